package contracts

type InputFlags struct {
	InputPath   string
	OutputDir   string
	Recursive   bool
	Verbose     bool
	Quiet       bool
	LogFile     string
	BitDepth    int
	Match       string
	Compression string
	Preview     bool
}
