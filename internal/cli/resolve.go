package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bpicori/shimfs/pkg/shimfs"
)

// ResolveCmd executes the "resolve" subcommand, which prints where each
// path leads under the confinement of the current process.
func ResolveCmd(args []string) int {
	return resolveCmd(args, os.Stdout, os.Stderr, shimfs.Resolve)
}

func resolveCmd(args []string, stdout, stderr io.Writer, resolve func(path, mode string) (string, error)) int {
	fs := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	mode := fs.String("mode", "normal", "Redirect mode: normal, check-parent or absolute")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: shimfs resolve [--mode MODE] <path>...\n\n")
		fmt.Fprintf(stderr, "Print where each path leads inside the current confinement.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(stderr, "Error: no path specified\n\n")
		fs.Usage()
		return 2
	}

	for _, path := range fs.Args() {
		redirected, err := resolve(path, *mode)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		fmt.Fprintf(stdout, "%s -> %s\n", path, redirected)
	}
	return 0
}
