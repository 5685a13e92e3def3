//go:build linux

package interpose

import "golang.org/x/sys/unix"

// Bind confines filesystem-backed Unix socket addresses like any other path.
func (ip *Interposer) Bind(fd int, sa unix.Sockaddr) error {
	return ip.socket("bind", fd, sa)
}

// Connect rewrites the address the same way Bind does.
func (ip *Interposer) Connect(fd int, sa unix.Sockaddr) error {
	return ip.socket("connect", fd, sa)
}

func (ip *Interposer) socket(op string, fd int, sa unix.Sockaddr) error {
	call := realOf[SocketFunc](ip, op)

	un, ok := sa.(*unix.SockaddrUnix)
	if !ok || !pathBacked(un.Name) {
		return call(fd, sa)
	}

	p := ip.rewrite(op, un.Name)
	if p[0] == un.Name {
		return call(fd, sa)
	}
	return call(fd, &unix.SockaddrUnix{Name: p[0]})
}

// pathBacked reports whether a Unix socket name lives on the filesystem.
// Unnamed sockets have no name; abstract ones start with NUL, which
// x/sys/unix also accepts spelled as '@'.
func pathBacked(name string) bool {
	return name != "" && name[0] != 0 && name[0] != '@'
}
