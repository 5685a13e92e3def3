//go:build linux

package shimfs

import (
	"sync"

	"github.com/bpicori/shimfs/internal/interpose"
	"github.com/bpicori/shimfs/internal/procctx"
	"github.com/bpicori/shimfs/internal/redirect"
)

var calls = sync.OnceValue(func() *interpose.Interposer {
	return interpose.New(redirect.New(procctx.Default()))
})

// Calls returns the process-wide interposer, configured from the
// environment the process started with. Confined Go programs use its
// methods in place of the corresponding golang.org/x/sys/unix functions.
func Calls() *interpose.Interposer {
	return calls()
}

// CallPolicy describes how one intercepted call rewrites its path
// arguments.
type CallPolicy struct {
	Name     string
	Category string
	Modes    []string
}

// Catalog lists every intercepted call.
func Catalog() []CallPolicy {
	entries := interpose.Entries()
	out := make([]CallPolicy, 0, len(entries))
	for _, e := range entries {
		modes := make([]string, len(e.Modes))
		for i, m := range e.Modes {
			modes[i] = m.String()
		}
		out = append(out, CallPolicy{Name: e.Name, Category: string(e.Category), Modes: modes})
	}
	return out
}
