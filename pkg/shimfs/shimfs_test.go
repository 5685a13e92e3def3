//go:build linux

package shimfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ValidationError(t *testing.T) {
	_, err := Run(RunRequest{Command: []string{"true"}}, RunIO{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlay root must be set")
}

func TestRun_ShowProfile(t *testing.T) {
	res, err := Run(RunRequest{
		OverlayRoot: "/snap/app/x1",
		Name:        "app",
		DenyDomains: []string{"tracker.example"},
		ShowProfile: true,
		Command:     []string{"app", "--flag"},
	}, RunIO{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.GeneratedProfile, "SNAPCRAFT_PRELOAD=/snap/app/x1\n")
	assert.Contains(t, res.GeneratedProfile, "SNAP_NAME=app\n")
	assert.Contains(t, res.GeneratedProfile, "egress.deny=tracker.example\n")
	assert.Contains(t, res.GeneratedProfile, "command=app --flag\n")
}

func TestResolve(t *testing.T) {
	_, err := Resolve("/etc/hosts", "sideways")
	require.Error(t, err)

	if Confined() {
		t.Skip("test process runs confined")
	}
	for _, mode := range []string{"normal", "check-parent", "absolute"} {
		got, err := Resolve("/etc/hosts", mode)
		require.NoError(t, err)
		assert.Equal(t, "/etc/hosts", got, mode)
	}
}

func TestCalls_SharedInstance(t *testing.T) {
	assert.Same(t, Calls(), Calls())
	assert.Equal(t, Confined(), Calls().Context().Enabled())
}

func TestCatalog(t *testing.T) {
	byName := make(map[string]CallPolicy)
	for _, c := range Catalog() {
		byName[c.Name] = c
	}
	assert.Equal(t, []string{"normal"}, byName["open"].Modes)
	assert.Equal(t, []string{"normal", "check-parent"}, byName["rename"].Modes)
	assert.Equal(t, []string{"absolute"}, byName["openat"].Modes)
	assert.Empty(t, byName["getpwnam"].Modes)
	assert.Equal(t, "exec", byName["execve"].Category)
}
