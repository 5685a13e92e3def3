package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bpicori/shimfs/internal/profile"
	"github.com/bpicori/shimfs/pkg/shimfs"
)

// runFlags holds the raw values parsed from the "run" subcommand flags.
type runFlags struct {
	fs *pflag.FlagSet

	overlay    string
	data       string
	userData   string
	userCommon string
	tmp        string
	name       string
	revision   string
	preload    []string
	altLoader  string

	allowDomains []string
	denyDomains  []string

	workDir     string
	showProfile bool
	profilePath string
	verbose     bool

	command []string
	usage   func()
}

// parseRunFlags parses CLI arguments for the "run" subcommand.
func parseRunFlags(args []string, stderr io.Writer) (*runFlags, int) {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	// The first non-flag argument starts the command, so its own flags are
	// not parsed here.
	fs.SetInterspersed(false)

	f := &runFlags{fs: fs}

	fs.StringVar(&f.overlay, "overlay", "", "Overlay root paths are redirected into (required)")
	fs.StringVar(&f.data, "data", "", "Writable data directory that replaces /var/lib")
	fs.StringVar(&f.userData, "user-data", "", "Per-user data directory, also reported as the home directory")
	fs.StringVar(&f.userCommon, "user-common", "", "Per-user data directory shared across revisions")
	fs.StringVar(&f.tmp, "tmp", "", "Directory that /var/tmp is redirected into (default /tmp)")
	fs.StringVar(&f.name, "name", "", "Application name, used for the /dev/shm prefix")
	fs.StringVar(&f.revision, "revision", "", "Application revision")
	fs.StringArrayVar(&f.preload, "preload", nil, "Preload library propagated across exec (can repeat)")
	fs.StringVar(&f.altLoader, "alt-loader", "", "Legacy dynamic loader tried when exec fails with ENOENT")
	fs.StringArrayVar(&f.allowDomains, "allow-domain", nil, "Allow egress to domain through the filtering proxy (can repeat, supports *.example.com)")
	fs.StringArrayVar(&f.denyDomains, "deny-domain", nil, "Deny egress to domain through the filtering proxy (can repeat, supports *.example.com)")
	fs.StringVar(&f.workDir, "dir", "", "Working directory for the confined command")
	fs.BoolVar(&f.showProfile, "show-profile", false, "Print the confinement the command would receive and exit")
	fs.StringVar(&f.profilePath, "profile", "", "Load run options from YAML file")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Log every redirection to stderr")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: shimfs run [options] [--] <command> [args...]\n\n")
		fmt.Fprintf(stderr, "Run a command with its filesystem view redirected into an overlay.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  shimfs run --overlay /snap/app/current -- app --help\n")
		fmt.Fprintf(stderr, "  shimfs run --overlay /snap/app/x1 --data /var/snap/app/x1 --user-data ~/snap/app/x1 -- app\n")
		fmt.Fprintf(stderr, "  shimfs run --overlay /snap/app/x1 --preload /snap/app/x1/lib/snapcraft-preload.so -- app\n")
		fmt.Fprintf(stderr, "  shimfs run --overlay /snap/app/x1 --allow-domain '*.example.com' -- app\n")
		fmt.Fprintf(stderr, "  shimfs run --show-profile --profile ./app.yaml\n")
	}
	f.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}

	// Everything after "--" (or remaining args) is the command.
	f.command = fs.Args()
	return f, 0
}

// resolveRunConfig loads the profile file, if any, and applies the flags
// given on the command line on top of it. List flags extend the file's
// lists; other flags replace its values.
func resolveRunConfig(f *runFlags) (*profile.Profile, error) {
	effective := &profile.Profile{}
	if f.profilePath != "" {
		fromFile, err := profile.LoadFile(f.profilePath)
		if err != nil {
			return nil, fmt.Errorf("load profile file: %w", err)
		}
		effective = fromFile
	}

	override := func(name string, dst *string, value string) {
		if f.fs.Changed(name) {
			*dst = value
		}
	}
	override("overlay", &effective.OverlayRoot, f.overlay)
	override("data", &effective.DataDir, f.data)
	override("user-data", &effective.UserDataDir, f.userData)
	override("user-common", &effective.UserCommonDir, f.userCommon)
	override("tmp", &effective.TmpDir, f.tmp)
	override("name", &effective.Name, f.name)
	override("revision", &effective.Revision, f.revision)
	override("alt-loader", &effective.AltLoader, f.altLoader)
	override("dir", &effective.WorkDir, f.workDir)

	effective.PreloadLibs = append(effective.PreloadLibs, f.preload...)
	effective.AllowDomains = append(effective.AllowDomains, f.allowDomains...)
	effective.DenyDomains = append(effective.DenyDomains, f.denyDomains...)

	if f.showProfile {
		effective.ShowProfile = true
	}
	if len(f.command) > 0 {
		effective.Command = append([]string{}, f.command...)
	}
	return effective, nil
}

// buildRequest constructs a shimfs run request from resolved run options.
func buildRequest(p *profile.Profile) shimfs.RunRequest {
	return shimfs.RunRequest{
		OverlayRoot:   p.OverlayRoot,
		DataDir:       p.DataDir,
		UserDataDir:   p.UserDataDir,
		UserCommonDir: p.UserCommonDir,
		TmpDir:        p.TmpDir,
		Name:          p.Name,
		Revision:      p.Revision,
		PreloadLibs:   append([]string{}, p.PreloadLibs...),
		AltLoader:     p.AltLoader,
		AllowDomains:  append([]string{}, p.AllowDomains...),
		DenyDomains:   append([]string{}, p.DenyDomains...),
		WorkDir:       p.WorkDir,
		ShowProfile:   p.ShowProfile,
		Command:       append([]string{}, p.Command...),
	}
}

// RunCmd executes the "run" subcommand which runs a command inside an
// overlay confinement.
func RunCmd(args []string) int {
	f, exitCode := parseRunFlags(args, os.Stderr)
	if f == nil {
		return exitCode
	}
	ConfigureLogging(os.Stderr, f.verbose)

	effective, err := resolveRunConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if len(effective.Command) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no command specified (pass it after -- or in profile file)\n\n")
		if f.usage != nil {
			f.usage()
		}
		return 2
	}

	helperBinaryPath, _ := os.Executable()
	result, err := shimfs.Run(buildRequest(effective), shimfs.RunIO{
		Stdin:            os.Stdin,
		Stdout:           os.Stdout,
		Stderr:           os.Stderr,
		HelperBinaryPath: helperBinaryPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if result.GeneratedProfile != "" {
		fmt.Print(result.GeneratedProfile)
	}
	return result.ExitCode
}
