package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LucaMasin/czi2tif/contracts"
	"github.com/LucaMasin/czi2tif/converter"
	"github.com/LucaMasin/czi2tif/files_manager"
	"github.com/LucaMasin/czi2tif/logging"
)

type InputFlags = contracts.InputFlags

// bitDepthValue restricts -bd/--bit-depth to the supported output depths.
type bitDepthValue struct{ p *int }

func (v *bitDepthValue) String() string {
	if v == nil || v.p == nil {
		return ""
	}
	return strconv.Itoa(*v.p)
}

func (v *bitDepthValue) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid bit depth %q (use 8, 16 or 32)", s)
	}
	switch n {
	case 8, 16, 32:
		*v.p = n
		return nil
	}
	return fmt.Errorf("invalid bit depth %d (use 8, 16 or 32)", n)
}

// compressionValue restricts --compress to the supported TIFF codecs.
type compressionValue struct{ p *string }

func (v *compressionValue) String() string {
	if v == nil || v.p == nil {
		return ""
	}
	return *v.p
}

func (v *compressionValue) Set(s string) error {
	switch strings.ToLower(s) {
	case "none", "deflate":
		*v.p = strings.ToLower(s)
		return nil
	}
	return fmt.Errorf("invalid compression %q (use 'none' or 'deflate')", s)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: czi2tif [options] <input file or directory>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Converts CZI and LIF microscopy containers to TIFF, one multi-page")
	fmt.Fprintln(os.Stderr, "file per scene, preserving the physical pixel size.")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Options:")
	flag.PrintDefaults()
}

func main() {
	var args InputFlags
	args.BitDepth = 16
	args.Compression = "none"

	flag.StringVar(&args.OutputDir, "o", "./tif", "output directory for converted files")
	flag.StringVar(&args.OutputDir, "output", "./tif", "output directory for converted files")
	flag.BoolVar(&args.Recursive, "r", false, "recurse into subdirectories")
	flag.BoolVar(&args.Recursive, "recursive", false, "recurse into subdirectories")
	flag.BoolVar(&args.Verbose, "v", false, "enable debug output")
	flag.BoolVar(&args.Verbose, "verbose", false, "enable debug output")
	flag.BoolVar(&args.Quiet, "q", false, "suppress console output")
	flag.BoolVar(&args.Quiet, "quiet", false, "suppress console output")
	flag.StringVar(&args.LogFile, "log-file", "", "append log output to this file")
	flag.Var(&bitDepthValue{&args.BitDepth}, "bd", "output bit depth: 8, 16 or 32")
	flag.Var(&bitDepthValue{&args.BitDepth}, "bit-depth", "output bit depth: 8, 16 or 32")
	flag.StringVar(&args.Match, "match", "", "only convert files whose name contains this substring")
	flag.Var(&compressionValue{&args.Compression}, "compress", "TIFF compression: none or deflate")
	flag.BoolVar(&args.Preview, "preview", false, "write a WebP preview next to each TIFF")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	args.InputPath = flag.Arg(0)

	log, err := logging.NewLogger(args.Verbose, args.Quiet, args.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR]: %v\n", err)
		os.Exit(1)
	}

	files, err := files_manager.Discover(args.InputPath, args.Recursive, args.Match)
	if err != nil {
		log.Error("%v", err)
		log.Close()
		os.Exit(1)
	}
	if len(files) == 0 {
		log.Warn("no CZI or LIF files found under %s", args.InputPath)
		log.Close()
		os.Exit(0)
	}
	if err := files_manager.EnsureOutputDir(args.OutputDir); err != nil {
		log.Error("%v", err)
		log.Close()
		os.Exit(1)
	}

	log.Info("converting %d file(s) into %s", len(files), args.OutputDir)

	params := contracts.ExportParams{
		OutputDir:   args.OutputDir,
		BitDepth:    args.BitDepth,
		Compression: args.Compression,
		Preview:     args.Preview,
	}

	startTime := time.Now()
	converted, failed := 0, 0
	for _, file := range files {
		if err := converter.Convert(file, params, log); err != nil {
			log.Error("%v", err)
			failed++
			continue
		}
		converted++
	}

	log.Info("converted %d file(s), %d failed, total time taken: %s",
		converted, failed, time.Since(startTime).Round(time.Millisecond))
	log.Close()

	if failed > 0 {
		os.Exit(1)
	}
}
