//go:build linux

package interpose

import (
	"io/fs"
	"maps"
	"os"
	"os/user"
	"path/filepath"
	"plugin"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
)

// Signatures of the real implementations. They are aliases so that plain
// functions such as unix.Open satisfy them directly.
type (
	OpenFunc       = func(path string, flags int, mode uint32) (int, error)
	OpenatFunc     = func(dirfd int, path string, flags int, mode uint32) (int, error)
	CreatFunc      = func(path string, mode uint32) (int, error)
	FopenFunc      = func(path string, mode string) (*os.File, error)
	StatFunc       = func(path string, st *unix.Stat_t) error
	FstatatFunc    = func(dirfd int, path string, st *unix.Stat_t, flags int) error
	StatfsFunc     = func(path string, buf *unix.Statfs_t) error
	AccessFunc     = func(path string, mode uint32) error
	FaccessatFunc  = func(dirfd int, path string, mode uint32, flags int) error
	ModeFunc       = func(path string, mode uint32) error
	ChownFunc      = func(path string, uid, gid int) error
	PathFunc       = func(path string) error
	UnlinkatFunc   = func(dirfd int, path string, flags int) error
	OpendirFunc    = func(path string) (*os.File, error)
	ScandirFunc    = func(path string) ([]os.DirEntry, error)
	ScandiratFunc  = func(dirfd int, path string) ([]os.DirEntry, error)
	ReadlinkFunc   = func(path string, buf []byte) (int, error)
	RealpathFunc   = func(path string) (string, error)
	TruncateFunc   = func(path string, length int64) error
	PathconfFunc   = func(path string, name int) (int64, error)
	InotifyFunc    = func(fd int, path string, mask uint32) (int, error)
	TargetFunc     = func(oldpath, newpath string) error
	DlopenFunc     = func(path string) (*plugin.Plugin, error)
	SocketFunc     = func(fd int, sa unix.Sockaddr) error
	LookupNameFunc = func(name string) (*user.User, error)
	LookupIDFunc   = func(uid int) (*user.User, error)
	NameIntoFunc   = func(name string, pwd *user.User) error
	IDIntoFunc     = func(uid int, pwd *user.User) error
	ExecFunc       = func(path string, argv, envv []string) error
)

// Registry maps operation names to their real implementations. It is never
// mutated once built; With returns a modified copy.
type Registry struct {
	impls map[string]any
}

// DefaultRegistry binds every catalog entry to the operating system.
func DefaultRegistry() *Registry {
	return &Registry{impls: map[string]any{
		"open":              OpenFunc(unix.Open),
		"open64":            OpenFunc(unix.Open),
		"openat":            OpenatFunc(unix.Openat),
		"openat64":          OpenatFunc(unix.Openat),
		"creat":             CreatFunc(unix.Creat),
		"creat64":           CreatFunc(unix.Creat),
		"fopen":             FopenFunc(fopen),
		"stat":              StatFunc(unix.Stat),
		"stat64":            StatFunc(unix.Stat),
		"lstat":             StatFunc(unix.Lstat),
		"lstat64":           StatFunc(unix.Lstat),
		"access":            AccessFunc(unix.Access),
		"eaccess":           AccessFunc(eaccess),
		"euidaccess":        AccessFunc(eaccess),
		"chmod":             ModeFunc(unix.Chmod),
		"lchmod":            ModeFunc(lchmod),
		"chown":             ChownFunc(unix.Chown),
		"lchown":            ChownFunc(unix.Lchown),
		"mkdir":             ModeFunc(unix.Mkdir),
		"rmdir":             PathFunc(unix.Rmdir),
		"unlink":            PathFunc(unix.Unlink),
		"chdir":             PathFunc(unix.Chdir),
		"opendir":           OpendirFunc(opendir),
		"scandir":           ScandirFunc(readDir),
		"scandir64":         ScandirFunc(readDir),
		"readlink":          ReadlinkFunc(unix.Readlink),
		"realpath":          RealpathFunc(realpath),
		"truncate":          TruncateFunc(unix.Truncate),
		"pathconf":          PathconfFunc(pathconf),
		"statfs":            StatfsFunc(unix.Statfs),
		"statfs64":          StatfsFunc(unix.Statfs),
		"statvfs":           StatfsFunc(unix.Statfs),
		"statvfs64":         StatfsFunc(unix.Statfs),
		"inotify_add_watch": InotifyFunc(unix.InotifyAddWatch),
		"link":              TargetFunc(unix.Link),
		"rename":            TargetFunc(unix.Rename),
		"faccessat":         FaccessatFunc(unix.Faccessat),
		"unlinkat":          UnlinkatFunc(unix.Unlinkat),
		"fstatat":           FstatatFunc(unix.Fstatat),
		"scandirat":         ScandiratFunc(scandirat),
		"scandirat64":       ScandiratFunc(scandirat),
		"dlopen":            DlopenFunc(plugin.Open),
		"bind":              SocketFunc(unix.Bind),
		"connect":           SocketFunc(unix.Connect),
		"getpwnam":          LookupNameFunc(user.Lookup),
		"getpwuid":          LookupIDFunc(lookupID),
		"getpwnam_r":        NameIntoFunc(lookupInto),
		"getpwuid_r":        IDIntoFunc(lookupIDInto),
		"execve":            ExecFunc(unix.Exec),
		"__execve":          ExecFunc(unix.Exec),
	}}
}

// With returns a copy of r with the implementation of name replaced.
func (r *Registry) With(name string, fn any) *Registry {
	impls := maps.Clone(r.impls)
	impls[name] = fn
	return &Registry{impls: impls}
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.impls))
	for name := range r.impls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (any, bool) {
	fn, ok := r.impls[name]
	return fn, ok
}

func eaccess(path string, mode uint32) error {
	return unix.Faccessat(unix.AT_FDCWD, path, mode, unix.AT_EACCESS)
}

func lchmod(path string, mode uint32) error {
	return unix.Fchmodat(unix.AT_FDCWD, path, mode, unix.AT_SYMLINK_NOFOLLOW)
}

func opendir(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

func readDir(path string) ([]os.DirEntry, error) {
	return scandirat(unix.AT_FDCWD, path)
}

// scandirat lists path relative to dirfd in directory order, with the "."
// and ".." entries that os.ReadDir leaves out.
func scandirat(dirfd int, path string) ([]os.DirEntry, error) {
	fd, err := unix.Openat(dirfd, path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	dir := os.NewFile(uintptr(fd), path)
	defer dir.Close()

	self, err := dir.Stat()
	if err != nil {
		return nil, err
	}
	parent, err := statAt(fd, "..")
	if err != nil {
		return nil, err
	}
	entries := []os.DirEntry{
		fs.FileInfoToDirEntry(namedInfo{self, "."}),
		fs.FileInfoToDirEntry(namedInfo{parent, ".."}),
	}
	rest, err := dir.ReadDir(-1)
	return append(entries, rest...), err
}

func statAt(dirfd int, name string) (fs.FileInfo, error) {
	fd, err := unix.Openat(dirfd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	return f.Stat()
}

// namedInfo reports a fixed name for a directory's own entries.
type namedInfo struct {
	fs.FileInfo
	name string
}

func (i namedInfo) Name() string { return i.name }

func realpath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func lookupID(uid int) (*user.User, error) {
	return user.LookupId(strconv.Itoa(uid))
}

func lookupInto(name string, pwd *user.User) error {
	u, err := user.Lookup(name)
	if err != nil {
		return err
	}
	*pwd = *u
	return nil
}

func lookupIDInto(uid int, pwd *user.User) error {
	u, err := lookupID(uid)
	if err != nil {
		return err
	}
	*pwd = *u
	return nil
}
