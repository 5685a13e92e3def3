// Package procctx captures the process-wide confinement configuration from
// the environment. A Context is built once and never mutated.
package procctx

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Environment variables read by New.
const (
	EnvOverlayRoot   = "SNAPCRAFT_PRELOAD"
	EnvDataDir       = "SNAP_DATA"
	EnvUserDataDir   = "SNAP_USER_DATA"
	EnvUserCommonDir = "SNAP_USER_COMMON"
	EnvTmpDir        = "TMPDIR"
	EnvName          = "SNAP_NAME"
	EnvRevision      = "SNAP_REVISION"
	EnvPreload       = "LD_PRELOAD"
	EnvAltLoader     = "SHIMFS_ALT_LOADER"
)

const (
	// DefaultLibraryName is the file name of the preload library whose
	// absolute entries in LD_PRELOAD are propagated to children.
	DefaultLibraryName = "snapcraft-preload.so"

	// DefaultTmpDir is used when TMPDIR is unset.
	DefaultTmpDir = "/tmp"

	shmRoot = "/dev/shm/snap."

	// nameMax mirrors NAME_MAX, the buffer the shared-memory prefix must fit.
	nameMax = 255
)

// legacyLoaders maps a 64-bit architecture to the dynamic loader of its
// 32-bit companion architecture.
var legacyLoaders = map[string]string{
	"amd64": "/lib/ld-linux.so.2",
	"arm64": "/lib/ld-linux-armhf.so.3",
}

// Context is the immutable confinement configuration of a process.
type Context struct {
	OverlayRoot   string
	DataDir       string
	UserDataDir   string
	UserCommonDir string
	TmpDir        string
	Name          string
	Revision      string

	// ShmPrefix is "/dev/shm/snap.<Name>", or empty when it could not be
	// built, which disables /dev/shm rewriting.
	ShmPrefix string

	// Preload is the LD_PRELOAD value inherited by this process.
	Preload string

	// SelfLibraries are the absolute LD_PRELOAD entries naming the preload
	// library, in order of appearance, without duplicates.
	SelfLibraries []string

	// AltLoader is the legacy dynamic loader tried when exec fails with
	// ENOENT on an existing target. Empty disables the fallback.
	AltLoader string
}

// Options controls how New reads its input.
type Options struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// LibraryName defaults to DefaultLibraryName.
	LibraryName string

	// Arch selects the default legacy loader. Defaults to runtime.GOARCH.
	Arch string

	Logger *slog.Logger
}

var current = New(Options{})

// Default returns the context captured from the environment when the
// package was initialized, before any application code ran.
func Default() *Context {
	return current
}

// New builds a Context. When the confinement marker is absent the returned
// context is disabled.
func New(opts Options) *Context {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	getenv := func(name string) string {
		v, ok := lookup(name)
		if !ok {
			return ""
		}
		return v
	}
	libName := opts.LibraryName
	if libName == "" {
		libName = DefaultLibraryName
	}
	arch := opts.Arch
	if arch == "" {
		arch = runtime.GOARCH
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Context{}
	c.OverlayRoot = getenv(EnvOverlayRoot)
	if c.OverlayRoot == "" {
		return c
	}

	c.DataDir = getenv(EnvDataDir)
	c.UserDataDir = getenv(EnvUserDataDir)
	c.UserCommonDir = getenv(EnvUserCommonDir)
	c.TmpDir = getenv(EnvTmpDir)
	if c.TmpDir == "" {
		c.TmpDir = DefaultTmpDir
	}
	c.Name = getenv(EnvName)
	c.Revision = getenv(EnvRevision)

	prefix, err := shmPrefix(c.Name)
	if err != nil {
		logger.Warn("shared memory confinement disabled", "error", err)
	}
	c.ShmPrefix = prefix

	c.Preload = getenv(EnvPreload)
	c.SelfLibraries = SelfLibraries(c.Preload, libName)

	c.AltLoader = getenv(EnvAltLoader)
	if c.AltLoader == "" {
		c.AltLoader = legacyLoaders[arch]
	}

	return c
}

// Enabled reports whether redirection is active.
func (c *Context) Enabled() bool {
	return c != nil && c.OverlayRoot != ""
}

// SplitPreload splits an LD_PRELOAD value into its entries. The dynamic
// loader accepts both spaces and colons as separators.
func SplitPreload(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == ':'
	})
}

// SelfLibraries returns the absolute entries of preload whose final path
// segment is libName.
func SelfLibraries(preload, libName string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, entry := range SplitPreload(preload) {
		if !strings.HasPrefix(entry, "/") || !strings.HasSuffix(entry, "/"+libName) {
			continue
		}
		if seen[entry] {
			continue
		}
		seen[entry] = true
		out = append(out, entry)
	}
	return out
}

func shmPrefix(name string) (string, error) {
	prefix := shmRoot + name
	if len(prefix) >= nameMax {
		return "", fmt.Errorf("cannot construct path %s$SNAP_NAME: name of %d bytes is too long", shmRoot, len(name))
	}
	return prefix, nil
}
