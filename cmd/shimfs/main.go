package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bpicori/shimfs/internal/cli"
	"github.com/bpicori/shimfs/internal/platform"
)

func main() {
	var showHelp bool
	pflag.BoolVarP(&showHelp, "help", "h", false, "Show help message")
	pflag.CommandLine.SetInterspersed(false)

	pflag.Usage = printUsage
	pflag.Parse()

	if showHelp {
		printUsage()
		return
	}

	args := pflag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(cli.RunCmd(args[1:]))
	case "resolve":
		cli.ConfigureLogging(os.Stderr, false)
		os.Exit(cli.ResolveCmd(args[1:]))
	case "catalog":
		os.Exit(cli.CatalogCmd(args[1:]))
	case platform.InternalExecCommand:
		cli.ConfigureLogging(os.Stderr, false)
		plat, err := platform.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		exitCode, err := plat.RunInternalExec(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(exitCode)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `shimfs - Writable overlay view of the filesystem without mount namespaces

Usage:
  shimfs <command> [options]

Commands:
  run       Run a command with its paths redirected into an overlay
  resolve   Print where paths lead inside the current confinement
  catalog   List the intercepted calls and their redirect modes
  help      Show this help message

Environment:
  SHIMFS_LOG_LEVEL   debug, info, warn or error (default warn)

Run "shimfs run --help" for details on the run command.
`)
}
