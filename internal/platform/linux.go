//go:build linux

package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bpicori/shimfs/internal/egress"
	"github.com/bpicori/shimfs/internal/interpose"
	"github.com/bpicori/shimfs/internal/procctx"
	"github.com/bpicori/shimfs/internal/profile"
	"github.com/bpicori/shimfs/internal/redirect"
)

// linuxSensitivePaths lists paths that must never back a writable
// confinement directory. Any user-provided directory overlapping them is
// rejected.
var linuxSensitivePaths = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
	"/var/run/secrets",
	"/boot",
	"/proc",
	"/sys",
}

type linuxPlatform struct{}

// InternalPayloadEnv carries the command to the internal trampoline.
const InternalPayloadEnv = "SHIMFS_INTERNAL_EXEC_PAYLOAD"

// New returns the Platform implementation for Linux.
func New() (Platform, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return &linuxPlatform{}, nil
}

func (l *linuxPlatform) SensitivePaths() []string {
	return linuxSensitivePaths
}

func (l *linuxPlatform) GenerateProfile(p *profile.Profile) (string, error) {
	var sb strings.Builder
	sb.WriteString("# shimfs confinement profile\n")
	for _, kv := range p.Environ() {
		sb.WriteString(kv + "\n")
	}

	switch {
	case len(p.AllowDomains) > 0:
		sb.WriteString("egress=allowlist\n")
		writeList(&sb, "egress.allow", p.AllowDomains)
	case len(p.DenyDomains) > 0:
		sb.WriteString("egress=denylist\n")
		writeList(&sb, "egress.deny", p.DenyDomains)
	default:
		sb.WriteString("egress=open\n")
	}

	if p.WorkDir != "" {
		sb.WriteString("workdir=" + p.WorkDir + "\n")
	}
	if len(p.Command) > 0 {
		sb.WriteString("command=" + strings.Join(p.Command, " ") + "\n")
	}

	return sb.String(), nil
}

func (l *linuxPlatform) Exec(p *profile.Profile, opts ExecOptions) (int, error) {
	stderr := io.Writer(os.Stderr)
	if opts.Stderr != nil {
		stderr = opts.Stderr
	}

	// Start the egress proxy only when domain filters are configured.
	var proxyAddr string
	if p.FiltersEgress() {
		prx := egress.New(egress.NewPolicy(p.AllowDomains, p.DenyDomains))
		prx.OnBlocked = func(host string) {
			fmt.Fprintf(stderr, "[shimfs] refused connection to %q (domain not allowed by profile)\n", host)
		}
		addr, err := prx.Start()
		if err != nil {
			return -1, fmt.Errorf("start egress proxy: %w", err)
		}
		proxyAddr = addr
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = prx.Stop(ctx)
		}()
	}

	encodedPayload, err := encodeExecPayload(execPayload{
		Command: p.Command,
		WorkDir: p.WorkDir,
	})
	if err != nil {
		return -1, fmt.Errorf("encode internal exec payload: %w", err)
	}

	exePath := opts.HelperBinaryPath
	if exePath == "" {
		exePath, err = os.Executable()
		if err != nil {
			return -1, fmt.Errorf("resolve executable path: %w", err)
		}
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, exePath, InternalExecCommand)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = stderr
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	baseEnv := os.Environ()
	if len(opts.Env) > 0 {
		baseEnv = append([]string{}, opts.Env...)
	}
	cmd.Env = append(confinedEnv(baseEnv, p), InternalPayloadEnv+"="+encodedPayload)
	if proxyAddr != "" {
		cmd.Env = proxyEnvWithBase(cmd.Env, proxyAddr)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start confined command: %w", err)
	}

	childPID := cmd.Process.Pid

	// Forward SIGINT/SIGTERM to child process group.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				_ = syscall.Kill(-childPID, sig.(syscall.Signal))
			case <-done:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	<-done

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				return status.ExitStatus(), nil
			}
		}
		return -1, waitErr
	}

	return 0, nil
}

// RunInternalExec confines the trampoline process from its environment and
// execs the target command through the interposer, so the executable is
// looked up in the overlay and the child inherits a repaired environment.
func (l *linuxPlatform) RunInternalExec(_ []string) (int, error) {
	payload, err := decodeExecPayload(os.Getenv(InternalPayloadEnv))
	if err != nil {
		return 1, err
	}
	if len(payload.Command) == 0 {
		return 1, fmt.Errorf("internal exec payload has empty command")
	}

	c := procctx.New(procctx.Options{})
	if !c.Enabled() {
		return 1, fmt.Errorf("internal exec: %s is not set", procctx.EnvOverlayRoot)
	}
	engine := redirect.New(c)
	logger := slog.Default().With("component", "trampoline")
	ip := interpose.New(engine, interpose.WithLogger(logger))

	if payload.WorkDir != "" {
		if err := ip.Chdir(payload.WorkDir); err != nil {
			return 1, fmt.Errorf("chdir %q: %w", payload.WorkDir, err)
		}
	}

	cmdPath, err := resolveCommandPath(engine, payload.Command[0], os.Getenv("PATH"))
	if err != nil {
		return 1, fmt.Errorf("resolve command %q: %w", payload.Command[0], err)
	}

	env := withoutEnv(os.Environ(), InternalPayloadEnv)
	logger.Debug("exec confined command", "path", cmdPath, "overlay", c.OverlayRoot)
	if err := ip.Execve(cmdPath, payload.Command, env); err != nil {
		return 1, fmt.Errorf("exec %q: %w", cmdPath, err)
	}
	return 0, nil
}

func writeList(sb *strings.Builder, label string, values []string) {
	for _, v := range values {
		sb.WriteString(label + "=" + v + "\n")
	}
}

type execPayload struct {
	Command []string `json:"command"`
	WorkDir string   `json:"workdir,omitempty"`
}

func encodeExecPayload(payload execPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeExecPayload(encoded string) (execPayload, error) {
	var payload execPayload

	if encoded == "" {
		return payload, errors.New("missing " + InternalPayloadEnv)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}

	return payload, nil
}

// confinedEnv applies the profile's variables on top of baseEnv. Inherited
// settings the profile leaves unset are kept, the confinement marker is
// always replaced, and an inherited LD_PRELOAD is extended with the
// profile's preload libraries.
func confinedEnv(baseEnv []string, p *profile.Profile) []string {
	managed := p.Environ()
	supplied := make(map[string]bool, len(managed))
	for _, kv := range managed {
		name, _, _ := strings.Cut(kv, "=")
		supplied[name] = true
	}

	var inheritedPreload string
	env := make([]string, 0, len(baseEnv)+len(managed))
	for _, e := range baseEnv {
		name, value, _ := strings.Cut(e, "=")
		switch {
		case name == InternalPayloadEnv, name == procctx.EnvOverlayRoot:
			continue
		case name == procctx.EnvPreload:
			inheritedPreload = value
			continue
		case profile.ManagedEnv(name) && supplied[name]:
			continue
		}
		env = append(env, e)
	}
	for _, kv := range managed {
		if name, _, _ := strings.Cut(kv, "="); name != procctx.EnvPreload {
			env = append(env, kv)
		}
	}
	if preload := interpose.MergePreload(inheritedPreload, p.PreloadLibs); preload != "" {
		env = append(env, procctx.EnvPreload+"="+preload)
	}
	return env
}

// proxyEnvWithBase returns environment with proxy vars set.
// Existing proxy vars are removed first, then replaced.
func proxyEnvWithBase(baseEnv []string, addr string) []string {
	env := make([]string, 0, len(baseEnv)+8)
	for _, e := range baseEnv {
		name, _, _ := strings.Cut(e, "=")
		if egress.IsProxyVar(name) {
			continue
		}
		env = append(env, e)
	}
	return append(env, egress.Environ(addr)...)
}

func withoutEnv(env []string, name string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		if k, _, _ := strings.Cut(e, "="); k == name {
			continue
		}
		out = append(out, e)
	}
	return out
}

// resolveCommandPath searches pathList for command the way a shell does,
// except that each candidate is probed at its confined location. The
// unredirected candidate is returned; Execve redirects it again.
func resolveCommandPath(engine *redirect.Engine, command, pathList string) (string, error) {
	if strings.Contains(command, "/") {
		return command, nil
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, command)
		if executable(engine.Redirect(candidate, redirect.Normal)) {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func executable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}
