package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kvarchive/vefs"
)

// extractChunkSize is the buffer size used for streaming a vfile's
// content out to a host file; one payload's worth of a leaf sector at a
// time, the same granularity upsert.go writes in.
const extractChunkSize = vefs.UserLeafPayloadSize

func cmdExtract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	opts := &archiveOptions{}
	fs.StringVarP(&opts.path, "file", "f", "", "the relative or absolute path to the archive")
	fs.StringVar(&opts.rawKey, "key", "", "the base64 encoded archive key")
	fs.BoolVar(&opts.password, "password", false, "derive the archive key from an interactively entered password")
	targetDir := fs.String("to", "", "the directory to extract files into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.path == "" || *targetDir == "" {
		return fmt.Errorf("extract: --file and --to are required")
	}
	vFilePaths := fs.Args()
	if len(vFilePaths) == 0 {
		return fmt.Errorf("extract: at least one archive-internal path is required")
	}

	prk, err := opts.resolvePRK()
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	archive, err := vefs.OpenArchive(opts.path, prk, vefs.NewCryptoProvider())
	if err != nil {
		return fmt.Errorf("extract: archive failed to open: %w", err)
	}
	defer archive.Close(ctx)

	for _, vPath := range vFilePaths {
		if err := extractOne(ctx, archive, vPath, *targetDir); err != nil {
			return fmt.Errorf("extract %q: %w", vPath, err)
		}
	}
	return nil
}

func cmdExtractAll(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract-all", flag.ContinueOnError)
	opts := &archiveOptions{}
	fs.StringVarP(&opts.path, "file", "f", "", "the relative or absolute path to the archive")
	fs.StringVar(&opts.rawKey, "key", "", "the base64 encoded archive key")
	fs.BoolVar(&opts.password, "password", false, "derive the archive key from an interactively entered password")
	targetDir := fs.String("to", "", "the directory to extract files into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.path == "" || *targetDir == "" {
		return fmt.Errorf("extract-all: --file and --to are required")
	}

	prk, err := opts.resolvePRK()
	if err != nil {
		return fmt.Errorf("extract-all: %w", err)
	}

	archive, err := vefs.OpenArchive(opts.path, prk, vefs.NewCryptoProvider())
	if err != nil {
		return fmt.Errorf("extract-all: archive failed to open: %w", err)
	}
	defer archive.Close(ctx)

	for _, vPath := range archive.List() {
		if err := extractOne(ctx, archive, vPath, *targetDir); err != nil {
			return fmt.Errorf("extract %q: %w", vPath, err)
		}
	}
	return nil
}

func extractOne(ctx context.Context, archive *vefs.Archive, vPath, targetDir string) error {
	f, err := archive.Open(ctx, vPath, false)
	if err != nil {
		return err
	}

	rel := strings.TrimPrefix(vPath, "/")
	dest := filepath.Join(targetDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	size := f.MaximumExtent()
	buf := make([]byte, extractChunkSize)
	for offset := uint64(0); offset < size; {
		n, err := f.Read(ctx, offset, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		offset += uint64(n)
	}
	return nil
}
