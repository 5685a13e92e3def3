package platform

import (
	"context"
	"io"

	"github.com/bpicori/shimfs/internal/profile"
)

// InternalExecCommand is the hidden subcommand the launcher re-executes
// itself with. It applies the confinement to its own process and replaces
// itself with the target command.
const InternalExecCommand = "__shimfs_internal_exec"

// ExecOptions controls command process wiring.
type ExecOptions struct {
	Context context.Context
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Env     []string

	// HelperBinaryPath is the binary run with InternalExecCommand. Defaults
	// to the current executable.
	HelperBinaryPath string
}

// Platform abstracts the OS-specific launcher behaviour.
type Platform interface {
	// SensitivePaths returns paths that must never be used as writable
	// confinement directories. Used during profile validation.
	SensitivePaths() []string

	// GenerateProfile renders the confinement the command would receive.
	// Used by --show-profile.
	GenerateProfile(p *profile.Profile) (string, error)

	// Exec runs the command confined. Returns the process exit code.
	Exec(p *profile.Profile, opts ExecOptions) (int, error)

	// RunInternalExec is the InternalExecCommand entrypoint. It only
	// returns on failure.
	RunInternalExec(args []string) (int, error)
}
