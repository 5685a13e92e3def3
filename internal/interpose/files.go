//go:build linux

package interpose

import (
	"os"

	"golang.org/x/sys/unix"
)

// pathconf names, as numbered by glibc.
const (
	PCLinkMax = 0
	PCNameMax = 3
	PCPathMax = 4
	PCPipeBuf = 5
)

// Open opens the redirected path. mode is read only when flags create a file.
func (ip *Interposer) Open(path string, flags int, mode ...uint32) (int, error) {
	return ip.open("open", path, flags, mode)
}

// Open64 is Open under its large-file name.
func (ip *Interposer) Open64(path string, flags int, mode ...uint32) (int, error) {
	return ip.open("open64", path, flags, mode)
}

// Openat leaves relative paths alone: they resolve against dirfd.
func (ip *Interposer) Openat(dirfd int, path string, flags int, mode ...uint32) (int, error) {
	return ip.openat("openat", dirfd, path, flags, mode)
}

// Openat64 is Openat under its large-file name.
func (ip *Interposer) Openat64(dirfd int, path string, flags int, mode ...uint32) (int, error) {
	return ip.openat("openat64", dirfd, path, flags, mode)
}

func (ip *Interposer) open(op, path string, flags int, mode []uint32) (int, error) {
	p := ip.rewrite(op, path)
	return realOf[OpenFunc](ip, op)(p[0], flags, creationMode(op, flags, mode))
}

func (ip *Interposer) openat(op string, dirfd int, path string, flags int, mode []uint32) (int, error) {
	p := ip.rewrite(op, path)
	return realOf[OpenatFunc](ip, op)(dirfd, p[0], flags, creationMode(op, flags, mode))
}

// creationMode returns the permission bits to forward. They are only read
// when flags request a new file; otherwise the optional argument is ignored.
func creationMode(op string, flags int, mode []uint32) uint32 {
	if !catalog[op].OptionalMode || !needsMode(flags) || len(mode) == 0 {
		return 0
	}
	return mode[0]
}

// needsMode reports whether flags create a file. O_TMPFILE shares a bit
// with O_DIRECTORY, so all of its bits must be present.
func needsMode(flags int) bool {
	return flags&unix.O_CREAT != 0 || flags&unix.O_TMPFILE == unix.O_TMPFILE
}

// Creat creates or truncates the redirected path.
func (ip *Interposer) Creat(path string, mode uint32) (int, error) {
	p := ip.rewrite("creat", path)
	return realOf[CreatFunc](ip, "creat")(p[0], mode)
}

// Creat64 is Creat under its large-file name.
func (ip *Interposer) Creat64(path string, mode uint32) (int, error) {
	p := ip.rewrite("creat64", path)
	return realOf[CreatFunc](ip, "creat64")(p[0], mode)
}

// Fopen opens path with a stdio mode string ("r", "w+", "ae", ...).
func (ip *Interposer) Fopen(path, mode string) (*os.File, error) {
	p := ip.rewrite("fopen", path)
	return realOf[FopenFunc](ip, "fopen")(p[0], mode)
}

// Stat fills st for the redirected path, following symlinks.
func (ip *Interposer) Stat(path string, st *unix.Stat_t) error {
	return ip.stat("stat", path, st)
}

// Stat64 is Stat under its large-file name.
func (ip *Interposer) Stat64(path string, st *unix.Stat_t) error {
	return ip.stat("stat64", path, st)
}

// Lstat is Stat without following a final symlink.
func (ip *Interposer) Lstat(path string, st *unix.Stat_t) error {
	return ip.stat("lstat", path, st)
}

// Lstat64 is Lstat under its large-file name.
func (ip *Interposer) Lstat64(path string, st *unix.Stat_t) error {
	return ip.stat("lstat64", path, st)
}

func (ip *Interposer) stat(op, path string, st *unix.Stat_t) error {
	p := ip.rewrite(op, path)
	return realOf[StatFunc](ip, op)(p[0], st)
}

// Fstatat redirects absolute paths only; relative ones resolve against dirfd.
func (ip *Interposer) Fstatat(dirfd int, path string, st *unix.Stat_t, flags int) error {
	p := ip.rewrite("fstatat", path)
	return realOf[FstatatFunc](ip, "fstatat")(dirfd, p[0], st, flags)
}

// Access checks the redirected path against the real user's permissions.
func (ip *Interposer) Access(path string, mode uint32) error {
	return ip.access("access", path, mode)
}

// Eaccess checks the redirected path against the effective user's permissions.
func (ip *Interposer) Eaccess(path string, mode uint32) error {
	return ip.access("eaccess", path, mode)
}

// Euidaccess is Eaccess under its GNU name.
func (ip *Interposer) Euidaccess(path string, mode uint32) error {
	return ip.access("euidaccess", path, mode)
}

func (ip *Interposer) access(op, path string, mode uint32) error {
	p := ip.rewrite(op, path)
	return realOf[AccessFunc](ip, op)(p[0], mode)
}

// Faccessat redirects absolute paths only.
func (ip *Interposer) Faccessat(dirfd int, path string, mode uint32, flags int) error {
	p := ip.rewrite("faccessat", path)
	return realOf[FaccessatFunc](ip, "faccessat")(dirfd, p[0], mode, flags)
}

// Chmod changes the mode of the redirected path.
func (ip *Interposer) Chmod(path string, mode uint32) error {
	return ip.withMode("chmod", path, mode)
}

// Lchmod is Chmod without following a final symlink.
func (ip *Interposer) Lchmod(path string, mode uint32) error {
	return ip.withMode("lchmod", path, mode)
}

// Mkdir creates a directory at the redirected path.
func (ip *Interposer) Mkdir(path string, mode uint32) error {
	return ip.withMode("mkdir", path, mode)
}

func (ip *Interposer) withMode(op, path string, mode uint32) error {
	p := ip.rewrite(op, path)
	return realOf[ModeFunc](ip, op)(p[0], mode)
}

// Chown changes the owner of the redirected path.
func (ip *Interposer) Chown(path string, uid, gid int) error {
	p := ip.rewrite("chown", path)
	return realOf[ChownFunc](ip, "chown")(p[0], uid, gid)
}

// Lchown is Chown without following a final symlink.
func (ip *Interposer) Lchown(path string, uid, gid int) error {
	p := ip.rewrite("lchown", path)
	return realOf[ChownFunc](ip, "lchown")(p[0], uid, gid)
}

// Rmdir removes the redirected directory.
func (ip *Interposer) Rmdir(path string) error {
	return ip.pathOnly("rmdir", path)
}

// Unlink removes the redirected file.
func (ip *Interposer) Unlink(path string) error {
	return ip.pathOnly("unlink", path)
}

// Chdir changes the working directory to the redirected path.
func (ip *Interposer) Chdir(path string) error {
	return ip.pathOnly("chdir", path)
}

func (ip *Interposer) pathOnly(op, path string) error {
	p := ip.rewrite(op, path)
	return realOf[PathFunc](ip, op)(p[0])
}

// Unlinkat redirects absolute paths only.
func (ip *Interposer) Unlinkat(dirfd int, path string, flags int) error {
	p := ip.rewrite("unlinkat", path)
	return realOf[UnlinkatFunc](ip, "unlinkat")(dirfd, p[0], flags)
}

// Readlink reads the target of the redirected symlink into buf.
func (ip *Interposer) Readlink(path string, buf []byte) (int, error) {
	p := ip.rewrite("readlink", path)
	return realOf[ReadlinkFunc](ip, "readlink")(p[0], buf)
}

// Realpath resolves the redirected path, so the result names the file that
// was actually found.
func (ip *Interposer) Realpath(path string) (string, error) {
	p := ip.rewrite("realpath", path)
	return realOf[RealpathFunc](ip, "realpath")(p[0])
}

// Truncate sets the size of the redirected file.
func (ip *Interposer) Truncate(path string, length int64) error {
	p := ip.rewrite("truncate", path)
	return realOf[TruncateFunc](ip, "truncate")(p[0], length)
}

// Pathconf reports the configurable limit name for the redirected path.
func (ip *Interposer) Pathconf(path string, name int) (int64, error) {
	p := ip.rewrite("pathconf", path)
	return realOf[PathconfFunc](ip, "pathconf")(p[0], name)
}

// Statfs reports filesystem statistics for the redirected path.
func (ip *Interposer) Statfs(path string, buf *unix.Statfs_t) error {
	return ip.statfs("statfs", path, buf)
}

// Statfs64 is Statfs under its large-file name.
func (ip *Interposer) Statfs64(path string, buf *unix.Statfs_t) error {
	return ip.statfs("statfs64", path, buf)
}

// Statvfs reports the same data as Statfs; Go has no separate statvfs
// structure.
func (ip *Interposer) Statvfs(path string, buf *unix.Statfs_t) error {
	return ip.statfs("statvfs", path, buf)
}

// Statvfs64 is Statvfs under its large-file name.
func (ip *Interposer) Statvfs64(path string, buf *unix.Statfs_t) error {
	return ip.statfs("statvfs64", path, buf)
}

func (ip *Interposer) statfs(op, path string, buf *unix.Statfs_t) error {
	p := ip.rewrite(op, path)
	return realOf[StatfsFunc](ip, op)(p[0], buf)
}

// InotifyAddWatch watches the redirected path on the inotify instance fd.
func (ip *Interposer) InotifyAddWatch(fd int, path string, mask uint32) (int, error) {
	p := ip.rewrite("inotify_add_watch", path)
	return realOf[InotifyFunc](ip, "inotify_add_watch")(fd, p[0], mask)
}

// Link redirects the target with CheckParent: the new name is not expected
// to exist yet.
func (ip *Interposer) Link(oldpath, newpath string) error {
	return ip.sourceTarget("link", oldpath, newpath)
}

// Rename redirects the target with CheckParent, like Link.
func (ip *Interposer) Rename(oldpath, newpath string) error {
	return ip.sourceTarget("rename", oldpath, newpath)
}

func (ip *Interposer) sourceTarget(op, oldpath, newpath string) error {
	p := ip.rewrite(op, oldpath, newpath)
	return realOf[TargetFunc](ip, op)(p[0], p[1])
}

// fopen maps a stdio mode string onto open(2) flags, the way glibc does.
func fopen(path, mode string) (*os.File, error) {
	if mode == "" {
		return nil, unix.EINVAL
	}
	var flags int
	switch mode[0] {
	case 'r':
		flags = os.O_RDONLY
	case 'w':
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case 'a':
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, unix.EINVAL
	}
	for _, c := range mode[1:] {
		switch c {
		case '+':
			flags &^= os.O_RDONLY | os.O_WRONLY
			flags |= os.O_RDWR
		case 'x':
			flags |= os.O_EXCL
		case 'e':
			flags |= unix.O_CLOEXEC
		case 'b', 't', 'm', 'c':
		default:
			// glibc ignores the rest of the mode after an unknown character.
			return os.OpenFile(path, flags, 0o666)
		}
	}
	return os.OpenFile(path, flags, 0o666)
}

// pathconf answers from statfs(2) where the value depends on the
// filesystem and from fixed Linux limits otherwise.
func pathconf(path string, name int) (int64, error) {
	var buf unix.Statfs_t
	if err := unix.Statfs(path, &buf); err != nil {
		return -1, err
	}
	switch name {
	case PCNameMax:
		return int64(buf.Namelen), nil
	case PCPathMax:
		return unix.PathMax, nil
	case PCPipeBuf:
		return 4096, nil
	case PCLinkMax:
		return 127, nil
	default:
		return -1, unix.EINVAL
	}
}
