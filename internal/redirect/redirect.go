// Package redirect decides which path a confined process actually uses for
// a given pathname.
//
// Redirection is opportunistic: outside of the /var/lib, /var/tmp and
// /dev/shm rules a path is only moved into the overlay tree when the overlay
// already holds the target (or, for CheckParent, its parent directory).
package redirect

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bpicori/shimfs/internal/procctx"
)

// Mode selects how a path argument is treated.
type Mode int

const (
	// Normal probes the overlay candidate itself.
	Normal Mode = iota
	// CheckParent probes the parent directory of the overlay candidate. Used
	// for targets whose leaf is expected not to exist yet.
	CheckParent
	// OnlyIfAbsolute leaves relative paths alone. Used by calls that resolve
	// relative paths against a directory descriptor.
	OnlyIfAbsolute
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case CheckParent:
		return "check-parent"
	case OnlyIfAbsolute:
		return "absolute"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "normal", "":
		return Normal, nil
	case "check-parent":
		return CheckParent, nil
	case "absolute":
		return OnlyIfAbsolute, nil
	default:
		return Normal, errors.New("unknown redirect mode " + s + " (want normal, check-parent or absolute)")
	}
}

const (
	varLib = "/var/lib"
	varTmp = "/var/tmp"
	devShm = "/dev/shm/"

	// pathMax mirrors PATH_MAX; longer candidates are never produced.
	pathMax = 4096
)

// Prober checks whether a path exists on the real filesystem.
type Prober interface {
	Access(path string) error
}

// AccessProber probes with access(2) and F_OK.
type AccessProber struct{}

func (AccessProber) Access(path string) error {
	return unix.Access(path, unix.F_OK)
}

// Engine applies the redirection rules of a Context.
type Engine struct {
	ctx   *procctx.Context
	probe Prober
	getwd func() (string, error)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithProber replaces the access(2) probe.
func WithProber(p Prober) Option {
	return func(e *Engine) { e.probe = p }
}

// WithGetwd replaces os.Getwd for relative path resolution.
func WithGetwd(fn func() (string, error)) Option {
	return func(e *Engine) { e.getwd = fn }
}

// New returns an Engine for ctx. A nil or disabled ctx yields an engine whose
// Redirect is the identity function.
func New(ctx *procctx.Context, opts ...Option) *Engine {
	e := &Engine{
		ctx:   ctx,
		probe: AccessProber{},
		getwd: os.Getwd,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Context returns the context the engine was built with.
func (e *Engine) Context() *procctx.Context {
	return e.ctx
}

// Exists reports whether path exists on the real filesystem.
func (e *Engine) Exists(path string) bool {
	return e.probe.Access(path) == nil
}

// Redirect returns the path to use in place of pathname. It never fails: when
// no rule applies the original pathname is returned and the real call is left
// to fail on its own.
func (e *Engine) Redirect(pathname string, mode Mode) string {
	c := e.ctx
	if !c.Enabled() || pathname == "" {
		return pathname
	}
	absolute := pathname[0] == '/'
	if mode == OnlyIfAbsolute && !absolute {
		return pathname
	}

	if within(pathname, c.UserDataDir) || within(pathname, c.UserCommonDir) {
		return pathname
	}

	// The host's /var/lib wins when it has the entry; otherwise the app gets
	// its own writable tree under DataDir.
	if suffix, ok := under(pathname, varLib); ok {
		if c.DataDir == "" || within(pathname, c.DataDir) || e.Exists(pathname) {
			return pathname
		}
		return writable(c.DataDir, suffix)
	}

	if suffix, ok := under(pathname, varTmp); ok {
		return writable(c.TmpDir, suffix)
	}

	if c.ShmPrefix != "" && strings.HasPrefix(pathname, devShm) {
		return c.ShmPrefix + "." + pathname[len(devShm):]
	}

	candidate := strings.TrimSuffix(c.OverlayRoot, "/")
	if !absolute {
		cwd, err := e.getwd()
		if err != nil {
			return pathname
		}
		candidate += cwd + "/"
	}
	candidate += pathname
	if len(candidate) >= pathMax {
		return pathname
	}

	probed := candidate
	if mode == CheckParent {
		if i := strings.LastIndexByte(candidate, '/'); i >= 0 {
			probed = candidate[:i]
		}
	}

	// ENOTDIR means some component exists as a non-directory, which is
	// present enough to redirect.
	if err := e.probe.Access(probed); err == nil || errors.Is(err, unix.ENOTDIR) {
		return candidate
	}
	return pathname
}

// under reports whether p is root or below it, returning the remainder
// after root.
func under(p, root string) (string, bool) {
	if p == root {
		return "", true
	}
	if strings.HasPrefix(p, root+"/") {
		return p[len(root):], true
	}
	return "", false
}

// within reports whether p equals dir or lies below it. An empty dir matches
// nothing.
func within(p, dir string) bool {
	if dir == "" {
		return false
	}
	_, ok := under(p, strings.TrimSuffix(dir, "/"))
	return ok
}

func writable(base, suffix string) string {
	if suffix == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + suffix
}
