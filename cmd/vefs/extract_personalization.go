package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kvarchive/vefs"
)

// cmdExtractPersonalization copies an archive's personalization area to a
// plain file. The personalization area is stored unencrypted, so this
// needs no key at all, unlike every other commandlet.
func cmdExtractPersonalization(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract-personalization", flag.ContinueOnError)
	path := fs.StringP("file", "f", "", "the relative or absolute path to the archive")
	out := fs.String("out", "", "the file to write the personalization area to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *out == "" {
		return fmt.Errorf("extract-personalization: --file and --out are required")
	}

	data, err := vefs.ReadArchivePersonalizationArea(*path)
	if err != nil {
		return fmt.Errorf("extract-personalization: %w", err)
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("extract-personalization: %w", err)
	}
	return nil
}
