// Command vefs is a thin operator CLI over the vefs archive format.
//
// Usage:
//
//	vefs validate -f <archive> [--key=<base64>|--password]
//	vefs extract -f <archive> --to <dir> [--key=<base64>|--password] <path>...
//	vefs extract-all -f <archive> --to <dir> [--key=<base64>|--password]
//	vefs extract-personalization -f <archive> --out <file>
//	vefs upsert -f <archive> --from <dir> [--key=<base64>|--password] <path>...
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage())
	}

	switch args[0] {
	case "validate":
		return cmdValidate(ctx, args[1:])
	case "extract":
		return cmdExtract(ctx, args[1:])
	case "extract-all":
		return cmdExtractAll(ctx, args[1:])
	case "extract-personalization":
		return cmdExtractPersonalization(ctx, args[1:])
	case "upsert":
		return cmdUpsert(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Println(usage())
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage())
	}
}

func usage() string {
	return `vefs: inspect and manipulate vefs archives

Commands:
  validate                 check that an archive opens and its header verifies
  extract                  extract one or more files from an archive
  extract-all              extract every file in an archive
  extract-personalization  copy an archive's personalization area to a file
  upsert                   insert or overwrite one or more files in an archive

Run "vefs <command> --help" for command-specific flags.`
}
