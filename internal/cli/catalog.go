//go:build linux

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/bpicori/shimfs/pkg/shimfs"
)

// CatalogCmd executes the "catalog" subcommand, which lists every
// intercepted call and how its path arguments are redirected.
func CatalogCmd(_ []string) int {
	return writeCatalog(os.Stdout, shimfs.Catalog())
}

func writeCatalog(w io.Writer, calls []shimfs.CallPolicy) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tCATEGORY\tPATH MODES")
	for _, c := range calls {
		modes := strings.Join(c.Modes, ",")
		if modes == "" {
			modes = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Category, modes)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
