package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger writes timestamped leveled lines to the console and, when
// configured, mirrors them into a log file without color codes.
// Quiet suppresses console output only; the file sink always receives
// every line. Verbose wins when both verbose and quiet are set.
type Logger struct {
	mu      sync.Mutex
	verbose bool
	quiet   bool
	color   bool
	file    *os.File
}

func NewLogger(verbose, quiet bool, logFile string) (*Logger, error) {
	if verbose {
		quiet = false
	}
	l := &Logger{
		verbose: verbose,
		quiet:   quiet,
		color:   useColor(),
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		l.file = f
	}
	return l, nil
}

func useColor() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Verbose() bool {
	return l.verbose
}

func (l *Logger) line(level, color, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("2006-01-02 15:04:05")
	plain := ts + " [" + level + "] " + text + "\n"

	if !l.quiet {
		out := os.Stdout
		if level == "ERROR" {
			out = os.Stderr
		}
		if l.color && color != "" {
			fmt.Fprint(out, ts+" ["+color+level+colorReset+"] "+text+"\n")
		} else {
			fmt.Fprint(out, plain)
		}
	}
	if l.file != nil {
		l.file.WriteString(plain)
	}
}

func (l *Logger) Info(format string, args ...any) {
	l.line("INFO", colorCyan, fmt.Sprintf(format, args...))
}

func (l *Logger) Success(format string, args ...any) {
	l.line("OK", colorGreen, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	l.line("WARN", colorYellow, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	l.line("ERROR", colorRed, fmt.Sprintf(format, args...))
}

// Debug lines appear only in verbose mode.
func (l *Logger) Debug(format string, args ...any) {
	if !l.verbose {
		return
	}
	l.line("DEBUG", colorGray, fmt.Sprintf(format, args...))
}
