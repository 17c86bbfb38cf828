package main

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/kvarchive/vefs"
)

func cmdValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	opts := &archiveOptions{}
	fs.StringVarP(&opts.path, "file", "f", "", "the relative or absolute path to the archive")
	fs.StringVar(&opts.rawKey, "key", "", "the base64 encoded archive key")
	fs.BoolVar(&opts.password, "password", false, "derive the archive key from an interactively entered password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.path == "" {
		return fmt.Errorf("validate: --file is required")
	}

	prk, err := opts.resolvePRK()
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	archive, err := vefs.OpenArchive(opts.path, prk, vefs.NewCryptoProvider())
	if err != nil {
		return fmt.Errorf("validate: archive failed to open: %w", err)
	}
	defer archive.Close(ctx)

	paths := archive.List()
	fmt.Printf("%q is a valid archive containing %d file(s)\n", opts.path, len(paths))
	return nil
}
