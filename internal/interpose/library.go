//go:build linux

package interpose

import "plugin"

// Dlopen loads a Go plugin. Only absolute paths are redirected; a bare name
// is left to the loader's own search.
func (ip *Interposer) Dlopen(path string) (*plugin.Plugin, error) {
	p := ip.rewrite("dlopen", path)
	return realOf[DlopenFunc](ip, "dlopen")(p[0])
}
