//go:build linux

// Package interpose is the call interception layer: every entry point
// rewrites its path arguments through a redirect.Engine according to a
// declarative policy table and then delegates to the real implementation.
package interpose

import (
	"sort"

	"github.com/bpicori/shimfs/internal/redirect"
)

// Category groups catalog entries by argument shape.
type Category string

const (
	CategoryPath     Category = "path"
	CategoryTarget   Category = "source-target"
	CategoryAt       Category = "at"
	CategoryLibrary  Category = "library"
	CategorySocket   Category = "socket"
	CategoryIdentity Category = "identity"
	CategoryExec     Category = "exec"
)

// Entry is the redirection policy of one intercepted operation.
type Entry struct {
	Name     string
	Category Category

	// Modes holds one redirect mode per path argument, in argument order.
	Modes []redirect.Mode

	// OptionalMode marks calls whose permission bits are only meaningful,
	// and only read, when the flags request file creation.
	OptionalMode bool
}

var (
	normal   = []redirect.Mode{redirect.Normal}
	absolute = []redirect.Mode{redirect.OnlyIfAbsolute}
	target   = []redirect.Mode{redirect.Normal, redirect.CheckParent}
)

var catalog = index([]Entry{
	{Name: "open", Category: CategoryPath, Modes: normal, OptionalMode: true},
	{Name: "open64", Category: CategoryPath, Modes: normal, OptionalMode: true},
	{Name: "creat", Category: CategoryPath, Modes: normal},
	{Name: "creat64", Category: CategoryPath, Modes: normal},
	{Name: "fopen", Category: CategoryPath, Modes: normal},
	{Name: "stat", Category: CategoryPath, Modes: normal},
	{Name: "stat64", Category: CategoryPath, Modes: normal},
	{Name: "lstat", Category: CategoryPath, Modes: normal},
	{Name: "lstat64", Category: CategoryPath, Modes: normal},
	{Name: "access", Category: CategoryPath, Modes: normal},
	{Name: "eaccess", Category: CategoryPath, Modes: normal},
	{Name: "euidaccess", Category: CategoryPath, Modes: normal},
	{Name: "chmod", Category: CategoryPath, Modes: normal},
	{Name: "lchmod", Category: CategoryPath, Modes: normal},
	{Name: "chown", Category: CategoryPath, Modes: normal},
	{Name: "lchown", Category: CategoryPath, Modes: normal},
	{Name: "mkdir", Category: CategoryPath, Modes: normal},
	{Name: "rmdir", Category: CategoryPath, Modes: normal},
	{Name: "unlink", Category: CategoryPath, Modes: normal},
	{Name: "chdir", Category: CategoryPath, Modes: normal},
	{Name: "opendir", Category: CategoryPath, Modes: normal},
	{Name: "scandir", Category: CategoryPath, Modes: normal},
	{Name: "scandir64", Category: CategoryPath, Modes: normal},
	{Name: "readlink", Category: CategoryPath, Modes: normal},
	{Name: "realpath", Category: CategoryPath, Modes: normal},
	{Name: "truncate", Category: CategoryPath, Modes: normal},
	{Name: "pathconf", Category: CategoryPath, Modes: normal},
	{Name: "statfs", Category: CategoryPath, Modes: normal},
	{Name: "statfs64", Category: CategoryPath, Modes: normal},
	{Name: "statvfs", Category: CategoryPath, Modes: normal},
	{Name: "statvfs64", Category: CategoryPath, Modes: normal},
	{Name: "inotify_add_watch", Category: CategoryPath, Modes: normal},

	{Name: "link", Category: CategoryTarget, Modes: target},
	{Name: "rename", Category: CategoryTarget, Modes: target},

	{Name: "openat", Category: CategoryAt, Modes: absolute, OptionalMode: true},
	{Name: "openat64", Category: CategoryAt, Modes: absolute, OptionalMode: true},
	{Name: "faccessat", Category: CategoryAt, Modes: absolute},
	{Name: "unlinkat", Category: CategoryAt, Modes: absolute},
	{Name: "fstatat", Category: CategoryAt, Modes: absolute},
	{Name: "scandirat", Category: CategoryAt, Modes: absolute},
	{Name: "scandirat64", Category: CategoryAt, Modes: absolute},

	// Bare library names go through the loader's search path, which is not
	// reimplemented here.
	{Name: "dlopen", Category: CategoryLibrary, Modes: absolute},

	{Name: "bind", Category: CategorySocket, Modes: normal},
	{Name: "connect", Category: CategorySocket, Modes: normal},

	{Name: "getpwnam", Category: CategoryIdentity},
	{Name: "getpwuid", Category: CategoryIdentity},
	{Name: "getpwnam_r", Category: CategoryIdentity},
	{Name: "getpwuid_r", Category: CategoryIdentity},

	{Name: "execve", Category: CategoryExec, Modes: normal},
	{Name: "__execve", Category: CategoryExec, Modes: normal},
})

func index(entries []Entry) map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if _, dup := m[e.Name]; dup {
			panic("interpose: duplicate catalog entry " + e.Name)
		}
		m[e.Name] = e
	}
	return m
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Entry, bool) {
	e, ok := catalog[name]
	return e, ok
}

// Entries returns the catalog sorted by category, then name.
func Entries() []Entry {
	out := make([]Entry, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}
