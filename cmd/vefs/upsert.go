package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kvarchive/vefs"
)

func cmdUpsert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upsert", flag.ContinueOnError)
	opts := &archiveOptions{}
	fs.StringVarP(&opts.path, "file", "f", "", "the relative or absolute path to the archive")
	fs.StringVar(&opts.rawKey, "key", "", "the base64 encoded archive key")
	fs.BoolVar(&opts.password, "password", false, "derive the archive key from an interactively entered password")
	sourceDir := fs.String("from", "", "the base directory host file paths are made relative to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.path == "" {
		return fmt.Errorf("upsert: --file is required")
	}
	filePaths := fs.Args()
	if len(filePaths) == 0 {
		return fmt.Errorf("upsert: at least one host file path is required")
	}

	base := *sourceDir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		base = wd
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	prk, err := opts.resolvePRK()
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	archive, err := vefs.CreateOrOpenArchive(opts.path, prk, vefs.NewCryptoProvider())
	if err != nil {
		return fmt.Errorf("upsert: archive failed to open: %w", err)
	}
	defer archive.Close(ctx)

	for _, hostPath := range filePaths {
		absHost, err := filepath.Abs(hostPath)
		if err != nil {
			return fmt.Errorf("upsert %q: %w", hostPath, err)
		}
		rel, err := filepath.Rel(base, absHost)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("upsert: %q is not contained in --from", hostPath)
		}
		vPath := filepath.ToSlash(rel)

		if err := upsertOne(ctx, archive, absHost, vPath); err != nil {
			_ = archive.Erase(ctx, vPath)
			return fmt.Errorf("upsert %q: %w", hostPath, err)
		}
	}

	return archive.Commit(ctx)
}

// upsertChunkSize mirrors the original CLI's sector-sized transfer
// buffer: one sector (1<<15 bytes) minus its salt prefix.
const upsertChunkSize = (1 << 15) - (1 << 5)

func upsertOne(ctx context.Context, archive *vefs.Archive, hostPath, vPath string) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	vf, err := archive.Open(ctx, vPath, true)
	if err != nil {
		return err
	}

	buf := make([]byte, upsertChunkSize)
	var written uint64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := vf.Write(ctx, written, buf[:n]); err != nil {
				return err
			}
			written += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	return vf.Truncate(ctx, written, archive.ReclaimSector)
}
