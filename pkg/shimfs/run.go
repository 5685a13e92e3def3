// Package shimfs runs commands with a redirected filesystem view and gives
// confined Go programs access to the redirecting calls.
package shimfs

import (
	"github.com/bpicori/shimfs/internal/platform"
	"github.com/bpicori/shimfs/internal/procctx"
	"github.com/bpicori/shimfs/internal/profile"
	"github.com/bpicori/shimfs/internal/redirect"
)

// Run validates and executes a confined command request.
func Run(req RunRequest, ioCfg RunIO) (RunResult, error) {
	p := &profile.Profile{
		OverlayRoot:   req.OverlayRoot,
		DataDir:       req.DataDir,
		UserDataDir:   req.UserDataDir,
		UserCommonDir: req.UserCommonDir,
		TmpDir:        req.TmpDir,
		Name:          req.Name,
		Revision:      req.Revision,
		PreloadLibs:   append([]string{}, req.PreloadLibs...),
		AltLoader:     req.AltLoader,
		AllowDomains:  append([]string{}, req.AllowDomains...),
		DenyDomains:   append([]string{}, req.DenyDomains...),
		WorkDir:       req.WorkDir,
		ShowProfile:   req.ShowProfile,
		Command:       append([]string{}, req.Command...),
	}

	plat, err := platform.New()
	if err != nil {
		return RunResult{}, err
	}

	if err := p.Validate(plat.SensitivePaths()); err != nil {
		return RunResult{}, err
	}

	if p.ShowProfile {
		text, err := plat.GenerateProfile(p)
		if err != nil {
			return RunResult{}, err
		}
		return RunResult{
			ExitCode:         0,
			GeneratedProfile: text,
		}, nil
	}

	exitCode, err := plat.Exec(p, platform.ExecOptions{
		Context:          ioCfg.Context,
		Stdin:            ioCfg.Stdin,
		Stdout:           ioCfg.Stdout,
		Stderr:           ioCfg.Stderr,
		Env:              append([]string{}, ioCfg.Env...),
		HelperBinaryPath: ioCfg.HelperBinaryPath,
	})
	if err != nil {
		return RunResult{}, err
	}

	return RunResult{ExitCode: exitCode}, nil
}

// Resolve reports where path leads for this process under the named
// redirect mode ("normal", "check-parent" or "absolute"). Outside a
// confined environment every path resolves to itself.
func Resolve(path, mode string) (string, error) {
	m, err := redirect.ParseMode(mode)
	if err != nil {
		return "", err
	}
	return redirect.New(procctx.Default()).Redirect(path, m), nil
}

// Confined reports whether this process runs with a confinement
// environment.
func Confined() bool {
	return procctx.Default().Enabled()
}
