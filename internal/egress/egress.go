// Package egress runs the cooperative HTTP(S) proxy that filters outbound
// connections of a launched command by destination domain. The command
// honors it through HTTP_PROXY and friends; nothing forces traffic through
// it.
package egress

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
)

// Policy decides which destination hosts may be reached. At most one of its
// lists is expected to be set; an empty Policy allows everything.
type Policy struct {
	allow []string
	deny  []string
}

// NewPolicy builds a Policy from allow or deny patterns. A pattern is a
// hostname ("example.com") or a subdomain wildcard ("*.example.com").
func NewPolicy(allow, deny []string) Policy {
	return Policy{allow: normalize(allow), deny: normalize(deny)}
}

// Allows reports whether host may be contacted. With an allowlist the host
// must match one of its patterns; with a denylist it must match none.
func (p Policy) Allows(host string) bool {
	host = canonical(host)

	if len(p.allow) > 0 {
		for _, pattern := range p.allow {
			if Match(host, pattern) {
				return true
			}
		}
		return false
	}
	for _, pattern := range p.deny {
		if Match(host, pattern) {
			return false
		}
	}
	return true
}

// Match reports whether host matches pattern, ignoring case. "*.example.com"
// matches every subdomain of example.com but not example.com itself.
func Match(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	if host == pattern {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok && strings.HasPrefix(suffix, ".") {
		return strings.HasSuffix(host, suffix)
	}
	return false
}

// Proxy is a forward proxy enforcing a Policy. Plain HTTP requests to a
// refused host get a 403; CONNECT tunnels to one are rejected. TLS is never
// terminated.
type Proxy struct {
	policy Policy

	// OnBlocked, when set, is called with every refused host. It runs on the
	// proxy's serving goroutines.
	OnBlocked func(host string)

	logger   *slog.Logger
	listener net.Listener
	server   *http.Server
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger for refused requests. The slog default logger
// is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// New returns a Proxy for policy. Call Start to begin serving.
func New(policy Policy, opts ...Option) *Proxy {
	p := &Proxy{policy: policy, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start listens on an ephemeral loopback port and serves in the background.
// It returns the "host:port" address to put in the proxy variables.
func (p *Proxy) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("egress listen: %w", err)
	}
	p.listener = ln

	gpx := goproxy.NewProxyHttpServer()
	// Dial upstream directly; inheriting the proxy variables would loop
	// back into this server.
	gpx.Tr = &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	refused := goproxy.ReqConditionFunc(func(req *http.Request, _ *goproxy.ProxyCtx) bool {
		return !p.policy.Allows(requestHost(req))
	})

	gpx.OnRequest(refused).DoFunc(
		func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			host := requestHost(req)
			p.refuse(host, "http")
			return nil, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden,
				fmt.Sprintf("shimfs: egress to %q refused", host))
		})

	gpx.OnRequest(refused).HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			p.refuse(stripPort(host), "connect")
			return goproxy.RejectConnect, host
		}))

	p.server = &http.Server{
		Handler:           gpx,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go p.server.Serve(ln) //nolint:errcheck // returns ErrServerClosed on shutdown

	p.logger.Debug("egress proxy listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Addr returns the listen address, or "" before Start.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop shuts the server down, waiting for active requests until ctx ends.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

func (p *Proxy) refuse(host, kind string) {
	p.logger.Info("egress refused", "host", host, "kind", kind)
	if p.OnBlocked != nil {
		p.OnBlocked(host)
	}
}

// Environ returns the proxy variables pointing at addr, in both the upper
// and lower case spellings clients look for.
func Environ(addr string) []string {
	url := "http://" + addr
	return []string{
		"HTTP_PROXY=" + url,
		"HTTPS_PROXY=" + url,
		"http_proxy=" + url,
		"https_proxy=" + url,
		"ALL_PROXY=" + url,
		"all_proxy=" + url,
		"NO_PROXY=",
		"no_proxy=",
	}
}

// IsProxyVar reports whether name is one of the variables Environ sets.
func IsProxyVar(name string) bool {
	switch strings.ToLower(name) {
	case "http_proxy", "https_proxy", "all_proxy", "no_proxy":
		return true
	}
	return false
}

func requestHost(req *http.Request) string {
	if host := stripPort(req.URL.Host); host != "" {
		return host
	}
	return stripPort(req.Host)
}

func normalize(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, pattern := range patterns {
		out[i] = canonical(pattern)
	}
	return out
}

func canonical(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// stripPort drops the port of a "host:port" pair. Anything else is returned
// as given.
func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
