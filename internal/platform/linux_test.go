//go:build linux

package platform

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpicori/shimfs/internal/procctx"
	"github.com/bpicori/shimfs/internal/profile"
	"github.com/bpicori/shimfs/internal/redirect"
)

// TestMain lets the test binary serve as the trampoline that Exec starts.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == InternalExecCommand {
		code, err := (&linuxPlatform{}).RunInternalExec(os.Args[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(code)
	}
	os.Exit(m.Run())
}

// overlayWithScript creates an overlay root holding an executable shell
// script at /shimfs-fixture/bin/<name>, a path absent on the host.
func overlayWithScript(t *testing.T, name, body string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "shimfs-fixture", "bin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return root
}

func TestLinuxSensitivePaths(t *testing.T) {
	paths := (&linuxPlatform{}).SensitivePaths()
	for _, expected := range []string{"/etc/shadow", "/etc/passwd", "/etc/sudoers", "/var/run/secrets", "/boot"} {
		assert.Contains(t, paths, expected)
	}
}

func TestGenerateProfile_Environment(t *testing.T) {
	p := &profile.Profile{
		OverlayRoot: "/snap/app/x1",
		DataDir:     "/var/snap/app/x1",
		Name:        "app",
		WorkDir:     "/srv",
		Command:     []string{"/bin/echo", "ok"},
	}

	text, err := (&linuxPlatform{}).GenerateProfile(p)
	require.NoError(t, err)

	for _, token := range []string{
		"SNAPCRAFT_PRELOAD=/snap/app/x1\n",
		"SNAP_DATA=/var/snap/app/x1\n",
		"SNAP_NAME=app\n",
		"egress=open\n",
		"workdir=/srv\n",
		"command=/bin/echo ok\n",
	} {
		assert.Contains(t, text, token)
	}
	assert.NotContains(t, text, "SNAP_USER_DATA=")
}

func TestGenerateProfile_EgressModes(t *testing.T) {
	l := &linuxPlatform{}

	text, err := l.GenerateProfile(&profile.Profile{AllowDomains: []string{"example.com", "*.example.org"}})
	require.NoError(t, err)
	assert.Contains(t, text, "egress=allowlist\n")
	assert.Contains(t, text, "egress.allow=example.com\n")
	assert.Contains(t, text, "egress.allow=*.example.org\n")

	text, err = l.GenerateProfile(&profile.Profile{DenyDomains: []string{"tracker.example"}})
	require.NoError(t, err)
	assert.Contains(t, text, "egress=denylist\n")
	assert.Contains(t, text, "egress.deny=tracker.example\n")
}

func TestEncodeDecodeExecPayload(t *testing.T) {
	encoded, err := encodeExecPayload(execPayload{
		Command: []string{"/bin/echo", "hello world"},
		WorkDir: "/srv",
	})
	require.NoError(t, err)

	decoded, err := decodeExecPayload(encoded)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "hello world"}, decoded.Command)
	assert.Equal(t, "/srv", decoded.WorkDir)
}

func TestDecodeExecPayload_Errors(t *testing.T) {
	_, err := decodeExecPayload("")
	assert.ErrorContains(t, err, "missing "+InternalPayloadEnv)

	_, err = decodeExecPayload("!!!")
	assert.ErrorContains(t, err, "decode payload")
}

func TestProxyEnvWithBase(t *testing.T) {
	base := []string{
		"PATH=/usr/bin",
		"HTTP_PROXY=http://old:1",
		"https_proxy=http://old:2",
	}
	env := proxyEnvWithBase(base, "127.0.0.1:18080")

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "HTTP_PROXY=http://127.0.0.1:18080")
	assert.Contains(t, env, "https_proxy=http://127.0.0.1:18080")
	assert.NotContains(t, env, "HTTP_PROXY=http://old:1")
	assert.NotContains(t, env, "https_proxy=http://old:2")
}

func TestConfinedEnv_ProfileReplacesInherited(t *testing.T) {
	base := []string{
		"PATH=/usr/bin",
		"SNAPCRAFT_PRELOAD=/old",
		"SNAP_NAME=old",
		InternalPayloadEnv + "=stale",
	}
	p := &profile.Profile{OverlayRoot: "/snap/app/x1", Name: "app"}

	env := confinedEnv(base, p)
	assert.Equal(t, []string{"PATH=/usr/bin", "SNAPCRAFT_PRELOAD=/snap/app/x1", "SNAP_NAME=app"}, env)
}

func TestConfinedEnv_KeepsInheritedUnsetByProfile(t *testing.T) {
	base := []string{"TMPDIR=/scratch", "HOME=/home/u", "SNAP_REVISION=x7"}
	p := &profile.Profile{OverlayRoot: "/snap/app/x1"}

	env := confinedEnv(base, p)
	assert.Equal(t, []string{"TMPDIR=/scratch", "HOME=/home/u", "SNAP_REVISION=x7", "SNAPCRAFT_PRELOAD=/snap/app/x1"}, env)

	env = confinedEnv(base, &profile.Profile{OverlayRoot: "/snap/app/x1", TmpDir: "/tmp/app"})
	assert.Contains(t, env, "TMPDIR=/tmp/app")
	assert.NotContains(t, env, "TMPDIR=/scratch")
}

func TestConfinedEnv_ExtendsInheritedPreload(t *testing.T) {
	base := []string{"LD_PRELOAD=/usr/lib/libfoo.so", "PATH=/usr/bin"}

	env := confinedEnv(base, &profile.Profile{OverlayRoot: "/snap/app/x1"})
	assert.Equal(t, []string{"PATH=/usr/bin", "SNAPCRAFT_PRELOAD=/snap/app/x1", "LD_PRELOAD=/usr/lib/libfoo.so"}, env)

	env = confinedEnv(base, &profile.Profile{
		OverlayRoot: "/snap/app/x1",
		PreloadLibs: []string{"/usr/lib/libfoo.so", "/snap/app/x1/lib/snapcraft-preload.so"},
	})
	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"SNAPCRAFT_PRELOAD=/snap/app/x1",
		"LD_PRELOAD=/usr/lib/libfoo.so:/snap/app/x1/lib/snapcraft-preload.so",
	}, env)

	env = confinedEnv(nil, &profile.Profile{OverlayRoot: "/o", PreloadLibs: []string{"/o/a.so", "/o/b.so"}})
	assert.Equal(t, []string{"SNAPCRAFT_PRELOAD=/o", "LD_PRELOAD=/o/a.so:/o/b.so"}, env)
}

func TestWithoutEnv(t *testing.T) {
	env := withoutEnv([]string{"A=1", "B=2", "A=3", "AB=4"}, "A")
	assert.Equal(t, []string{"B=2", "AB=4"}, env)
}

func TestResolveCommandPath(t *testing.T) {
	root := overlayWithScript(t, "confined-tool", "exit 0")
	engine := redirect.New(&procctx.Context{OverlayRoot: root, TmpDir: "/tmp"})

	got, err := resolveCommandPath(engine, "confined-tool", "/nonexistent:/shimfs-fixture/bin")
	require.NoError(t, err)
	assert.Equal(t, "/shimfs-fixture/bin/confined-tool", got, "the unredirected candidate is returned")

	got, err = resolveCommandPath(engine, "./relative/tool", "")
	require.NoError(t, err)
	assert.Equal(t, "./relative/tool", got)

	_, err = resolveCommandPath(engine, "no-such-tool", "/shimfs-fixture/bin")
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestResolveCommandPath_SkipsNonExecutable(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "shimfs-fixture", "bin")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), nil, 0o644))
	engine := redirect.New(&procctx.Context{OverlayRoot: root, TmpDir: "/tmp"})

	_, err := resolveCommandPath(engine, "data", "/shimfs-fixture/bin")
	assert.ErrorIs(t, err, exec.ErrNotFound)
	_, err = resolveCommandPath(engine, "subdir", "/shimfs-fixture/bin")
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestExec_RunsOverlayCommand(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	root := overlayWithScript(t, "hello", `echo "confined:$SNAPCRAFT_PRELOAD:$SNAP_NAME:$0"`)

	var stdout, stderr bytes.Buffer
	p := &profile.Profile{
		OverlayRoot: root,
		Name:        "hello",
		Command:     []string{"/shimfs-fixture/bin/hello"},
	}
	code, err := (&linuxPlatform{}).Exec(p, ExecOptions{
		Stdout: &stdout,
		Stderr: &stderr,
		Env:    []string{"PATH=/usr/bin:/bin"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	out := strings.TrimSpace(stdout.String())
	assert.Equal(t, "confined:"+root+":hello:"+filepath.Join(root, "shimfs-fixture/bin/hello"), out)
}

func TestExec_ResolvesThroughPath(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	root := overlayWithScript(t, "greet", `echo "hi $1"`)

	var stdout bytes.Buffer
	p := &profile.Profile{OverlayRoot: root, Command: []string{"greet", "there"}}
	code, err := (&linuxPlatform{}).Exec(p, ExecOptions{
		Stdout: &stdout,
		Env:    []string{"PATH=/shimfs-fixture/bin:/usr/bin:/bin"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	assert.Equal(t, "hi there\n", stdout.String())
}

func TestExec_ExitCodePropagates(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	root := overlayWithScript(t, "fail", "exit 7")

	p := &profile.Profile{OverlayRoot: root, Command: []string{"/shimfs-fixture/bin/fail"}}
	code, err := (&linuxPlatform{}).Exec(p, ExecOptions{
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
		Env:    []string{"PATH=/usr/bin:/bin"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestExec_MissingCommandFails(t *testing.T) {
	var stderr bytes.Buffer
	p := &profile.Profile{OverlayRoot: t.TempDir(), Command: []string{"shimfs-no-such-command"}}
	code, err := (&linuxPlatform{}).Exec(p, ExecOptions{
		Stdout: &bytes.Buffer{},
		Stderr: &stderr,
		Env:    []string{"PATH=/nonexistent"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "resolve command")
}
