//go:build !linux

package cli

import (
	"fmt"
	"os"
	"runtime"
)

func CatalogCmd(_ []string) int {
	fmt.Fprintf(os.Stderr, "Error: unsupported platform: %s\n", runtime.GOOS)
	return 1
}
