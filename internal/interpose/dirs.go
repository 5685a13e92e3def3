//go:build linux

package interpose

import (
	"os"
	"slices"
	"strings"
)

// Opendir returns an open directory handle.
func (ip *Interposer) Opendir(path string) (*os.File, error) {
	p := ip.rewrite("opendir", path)
	return realOf[OpendirFunc](ip, "opendir")(p[0])
}

// Scandir lists a directory, "." and ".." included, keeping the entries
// accepted by filter and ordering them with less. A nil filter keeps
// everything; a nil less orders by name.
func (ip *Interposer) Scandir(path string, filter func(os.DirEntry) bool, less func(a, b os.DirEntry) bool) ([]os.DirEntry, error) {
	return ip.scandir("scandir", path, filter, less)
}

// Scandir64 is Scandir under its large-file name.
func (ip *Interposer) Scandir64(path string, filter func(os.DirEntry) bool, less func(a, b os.DirEntry) bool) ([]os.DirEntry, error) {
	return ip.scandir("scandir64", path, filter, less)
}

func (ip *Interposer) scandir(op, path string, filter func(os.DirEntry) bool, less func(a, b os.DirEntry) bool) ([]os.DirEntry, error) {
	p := ip.rewrite(op, path)
	entries, err := realOf[ScandirFunc](ip, op)(p[0])
	return order(keep(entries, filter), less), err
}

// Scandirat is Scandir relative to dirfd.
func (ip *Interposer) Scandirat(dirfd int, path string, filter func(os.DirEntry) bool, less func(a, b os.DirEntry) bool) ([]os.DirEntry, error) {
	return ip.scandirat("scandirat", dirfd, path, filter, less)
}

// Scandirat64 is Scandirat under its large-file name.
func (ip *Interposer) Scandirat64(dirfd int, path string, filter func(os.DirEntry) bool, less func(a, b os.DirEntry) bool) ([]os.DirEntry, error) {
	return ip.scandirat("scandirat64", dirfd, path, filter, less)
}

func (ip *Interposer) scandirat(op string, dirfd int, path string, filter func(os.DirEntry) bool, less func(a, b os.DirEntry) bool) ([]os.DirEntry, error) {
	p := ip.rewrite(op, path)
	entries, err := realOf[ScandiratFunc](ip, op)(dirfd, p[0])
	return order(keep(entries, filter), less), err
}

func keep(entries []os.DirEntry, filter func(os.DirEntry) bool) []os.DirEntry {
	if filter == nil {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if filter(e) {
			out = append(out, e)
		}
	}
	return out
}

func order(entries []os.DirEntry, less func(a, b os.DirEntry) bool) []os.DirEntry {
	if less == nil {
		slices.SortFunc(entries, func(a, b os.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
		return entries
	}
	slices.SortStableFunc(entries, func(a, b os.DirEntry) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})
	return entries
}
