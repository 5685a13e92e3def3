//go:build linux

package interpose

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bpicori/shimfs/internal/procctx"
	"github.com/bpicori/shimfs/internal/redirect"
)

// Execve replaces the process image. The executable path is redirected and
// the environment repaired so the child stays confined. On success it does
// not return.
func (ip *Interposer) Execve(path string, argv, envv []string) error {
	return ip.exec("execve", path, argv, envv)
}

// ExecveInternal is the __execve alias of Execve.
func (ip *Interposer) ExecveInternal(path string, argv, envv []string) error {
	return ip.exec("__execve", path, argv, envv)
}

// Execv is Execve with the current environment.
func (ip *Interposer) Execv(path string, argv []string) error {
	return ip.Execve(path, argv, os.Environ())
}

func (ip *Interposer) exec(op, path string, argv, envv []string) error {
	call := realOf[ExecFunc](ip, op)

	target := ip.rewrite(op, path)[0]
	env := ip.ChildEnviron(envv)

	err := call(target, argv, env)
	if err == nil {
		return nil
	}

	// ENOENT on a target that exists means the kernel could not find the
	// ELF interpreter, typically a 32-bit loader missing from the host.
	if !errors.Is(err, unix.ENOENT) || !ip.engine.Exists(target) {
		return err
	}
	loader := ip.ctx.AltLoader
	if loader == "" {
		return err
	}
	confined := ip.engine.Redirect(loader, redirect.Normal)
	if confined == loader {
		return err
	}

	ip.log().Debug("retrying exec through confined loader", "path", target, "loader", confined)
	loaderArgv := make([]string, 0, len(argv)+1)
	loaderArgv = append(loaderArgv, target)
	loaderArgv = append(loaderArgv, argv...)
	return call(confined, loaderArgv, env)
}

// ChildEnviron returns the environment a child should receive: envv with
// the captured self libraries merged into LD_PRELOAD and the confinement
// marker restored. A disabled context returns a copy of envv.
func (ip *Interposer) ChildEnviron(envv []string) []string {
	return ChildEnviron(ip.ctx, envv)
}

// ChildEnviron is the context-level form of Interposer.ChildEnviron.
func ChildEnviron(c *procctx.Context, envv []string) []string {
	if !c.Enabled() {
		return append([]string(nil), envv...)
	}

	out := make([]string, 0, len(envv)+2)
	var preload string
	hasPreload := false
	for _, kv := range envv {
		name, value, _ := strings.Cut(kv, "=")
		switch name {
		case procctx.EnvPreload:
			// The loader honors the last definition.
			preload, hasPreload = value, true
			continue
		case procctx.EnvOverlayRoot:
			continue
		}
		out = append(out, kv)
	}

	if hasPreload || len(c.SelfLibraries) > 0 {
		out = append(out, procctx.EnvPreload+"="+MergePreload(preload, c.SelfLibraries))
	}
	return append(out, procctx.EnvOverlayRoot+"="+c.OverlayRoot)
}

// MergePreload appends every library not already listed in preload.
func MergePreload(preload string, libs []string) string {
	present := make(map[string]bool)
	for _, entry := range procctx.SplitPreload(preload) {
		present[entry] = true
	}

	var b strings.Builder
	b.WriteString(preload)
	for _, lib := range libs {
		if present[lib] {
			continue
		}
		present[lib] = true
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteString(lib)
	}
	return b.String()
}
