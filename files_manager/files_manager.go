package files_manager

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LucaMasin/czi2tif/contracts"
)

// Supported source extensions, lowercase.
var supportedExts = map[string]bool{
	".czi": true,
	".lif": true,
}

func IsSupported(path string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(path))]
}

// Discover resolves the input path into the ordered list of files to
// convert. A single file must carry a supported extension; a directory is
// scanned top-level only unless recursive is set. Files whose name starts
// with "._" (AppleDouble companions) are skipped, and a non-empty match
// keeps only names containing that substring.
func Discover(input string, recursive bool, match string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindRead, "discover", input, err)
	}

	if !info.IsDir() {
		if !IsSupported(input) {
			return nil, contracts.Errorf(contracts.KindFormat, "discover", input,
				"unsupported file format %q", filepath.Ext(input))
		}
		return []string{input}, nil
	}

	var files []string
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != input {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "._") {
			return nil
		}
		if !supportedExts[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		if match != "" && !strings.Contains(name, match) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, contracts.Wrap(contracts.KindRead, "discover", input, err)
	}

	sort.Strings(files)
	return files, nil
}

// EnsureOutputDir creates the output directory when it does not exist yet.
func EnsureOutputDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return contracts.Wrap(contracts.KindWrite, "ensure output dir", dir, err)
	}
	return nil
}
