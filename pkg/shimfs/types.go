package shimfs

import (
	"context"
	"io"
)

// RunRequest describes a confined command execution request.
type RunRequest struct {
	// OverlayRoot is the private tree paths are redirected into. Required.
	OverlayRoot   string
	DataDir       string
	UserDataDir   string
	UserCommonDir string
	TmpDir        string

	Name     string
	Revision string

	// PreloadLibs are written to LD_PRELOAD and propagated across exec.
	PreloadLibs []string
	AltLoader   string

	AllowDomains []string
	DenyDomains  []string

	WorkDir     string
	ShowProfile bool

	Command []string
}

// RunIO controls runtime IO/env behavior for command execution.
type RunIO struct {
	Context context.Context

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Env overrides the environment passed to the confined process.
	// When empty, the current process environment is used.
	Env []string

	// HelperBinaryPath is the binary started as the internal exec
	// trampoline. If empty, platform defaults apply.
	HelperBinaryPath string
}

// RunResult contains execution metadata.
type RunResult struct {
	ExitCode         int
	GeneratedProfile string
}
