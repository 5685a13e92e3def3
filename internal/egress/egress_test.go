package egress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		host    string
		pattern string
		want    bool
	}{
		{"example.com", "example.com", true},
		{"EXAMPLE.COM", "example.com", true},
		{"example.com", "EXAMPLE.COM", true},
		{"example.com", "other.com", false},
		{"example.com", "sub.example.com", false},
		{"sub.example.com", "*.example.com", true},
		{"a.b.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"badexample.com", "*.example.com", false},
		{"sub.other.com", "*.example.com", false},
		{"example.com", "*example.com", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.host, tt.pattern), func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.host, tt.pattern))
		})
	}
}

func TestPolicy_Allowlist(t *testing.T) {
	p := NewPolicy([]string{"example.com", "*.github.com"}, nil)

	assert.True(t, p.Allows("example.com"))
	assert.True(t, p.Allows("api.github.com"))
	assert.False(t, p.Allows("github.com"))
	assert.False(t, p.Allows("evil.com"))
}

func TestPolicy_Denylist(t *testing.T) {
	p := NewPolicy(nil, []string{"evil.com", "*.tracker.net"})

	assert.False(t, p.Allows("evil.com"))
	assert.False(t, p.Allows("ads.tracker.net"))
	assert.True(t, p.Allows("tracker.net"))
	assert.True(t, p.Allows("example.com"))
}

func TestPolicy_Empty(t *testing.T) {
	assert.True(t, NewPolicy(nil, nil).Allows("anything.example"))
	assert.True(t, Policy{}.Allows("anything.example"))
}

func TestPolicy_TrailingDotAndCase(t *testing.T) {
	p := NewPolicy([]string{"Example.COM."}, nil)
	assert.True(t, p.Allows("example.com."))
	assert.True(t, p.Allows("EXAMPLE.com"))
}

func TestEnviron(t *testing.T) {
	env := Environ("127.0.0.1:3128")
	assert.Contains(t, env, "HTTP_PROXY=http://127.0.0.1:3128")
	assert.Contains(t, env, "https_proxy=http://127.0.0.1:3128")
	assert.Contains(t, env, "NO_PROXY=")
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		assert.True(t, IsProxyVar(name), name)
	}
	assert.False(t, IsProxyVar("PATH"))
}

func TestStripPort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.com:443", "example.com"},
		{"example.com", "example.com"},
		{"127.0.0.1:8080", "127.0.0.1"},
		{"[::1]:443", "::1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripPort(tt.in), tt.in)
	}
}

// startProxy starts p and returns a client routed through it.
func startProxy(t *testing.T, p *Proxy) *http.Client {
	t.Helper()
	addr, err := p.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})

	proxyURL, err := url.Parse("http://" + addr)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
}

func quietProxy(policy Policy) *Proxy {
	return New(policy, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestProxy_AllowlistPassesHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer target.Close()
	targetURL, err := url.Parse(target.URL)
	require.NoError(t, err)

	client := startProxy(t, quietProxy(NewPolicy([]string{targetURL.Hostname()}, nil)))

	resp, err := client.Get(target.URL + "/allowed")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestProxy_AllowlistRefusesHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	targetURL, err := url.Parse(target.URL)
	require.NoError(t, err)

	refused := make(chan string, 1)
	p := quietProxy(NewPolicy([]string{"allowed.example.com"}, nil))
	p.OnBlocked = func(host string) { refused <- host }
	client := startProxy(t, p)

	resp, err := client.Get(target.URL + "/blocked")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	select {
	case host := <-refused:
		assert.Equal(t, targetURL.Hostname(), host)
	case <-time.After(2 * time.Second):
		t.Fatal("OnBlocked was not called")
	}
}

func TestProxy_DenylistRefusesHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer target.Close()
	targetURL, err := url.Parse(target.URL)
	require.NoError(t, err)

	client := startProxy(t, quietProxy(NewPolicy(nil, []string{targetURL.Hostname()})))

	resp, err := client.Get(target.URL + "/denied")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProxy_RefusesConnect(t *testing.T) {
	refused := make(chan string, 1)
	p := quietProxy(NewPolicy(nil, []string{"blocked.invalid"}))
	p.OnBlocked = func(host string) { refused <- host }
	client := startProxy(t, p)

	_, err := client.Get("https://blocked.invalid/")
	require.Error(t, err)

	select {
	case host := <-refused:
		assert.Equal(t, "blocked.invalid", host)
	case <-time.After(2 * time.Second):
		t.Fatal("OnBlocked was not called")
	}
}

func TestProxy_StartStop(t *testing.T) {
	p := quietProxy(Policy{})
	assert.Empty(t, p.Addr())

	addr, err := p.Start()
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
	assert.Equal(t, addr, p.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestProxy_StopBeforeStart(t *testing.T) {
	assert.NoError(t, quietProxy(Policy{}).Stop(context.Background()))
}
