// Package proxy forwards authenticated requests under /proxy/<user>/
// <cluster>/<ide>/... to the local end of that session's SSH tunnel.
// It holds no session state of its own: every request resolves its
// upstream fresh from the tunnel manager, so a stopped or re-launched
// session is reflected on the very next request.
package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hpcide/orchestrator/internal/core"
)

// ErrNoTunnel is returned when a (user, cluster, ide) has no running
// tunnel to forward to.
var ErrNoTunnel = errors.New("proxy: no running session for this path")

// TunnelLookup is the subset of core.TunnelManager the proxy needs.
type TunnelLookup interface {
	Get(key core.Key) (*core.TunnelHandle, bool)
}

// Proxy routes /proxy/<user>/<cluster>/<ide>/<rest...> requests to the
// tunnel's local port, memoizing one httputil.ReverseProxy per
// upstream the way the teacher's ResourceProxy memoizes one RPC
// client per cluster.
type Proxy struct {
	tunnels TunnelLookup
	log     *slog.Logger

	mu        sync.Mutex
	upstreams map[int]*httputil.ReverseProxy // localPort -> proxy
}

// New returns a Proxy that resolves upstreams via tunnels.
func New(tunnels TunnelLookup, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{
		tunnels:   tunnels,
		log:       log.With("component", "proxy"),
		upstreams: make(map[int]*httputil.ReverseProxy),
	}
}

// ServeHTTP implements http.Handler. The path must be rooted at
// /proxy/<user>/<cluster>/<ide>/... ; everything after the ide segment
// is forwarded to the tunnel's upstream verbatim.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, cluster, ide, rest, err := splitProxyPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := core.Key{User: user, Cluster: cluster, IDE: core.IDE(ide)}
	handle, ok := p.tunnels.Get(key)
	if !ok {
		p.log.Warn("proxy miss: no tunnel", "user", user, "cluster", cluster, "ide", ide)
		http.Error(w, ErrNoTunnel.Error(), http.StatusNotFound)
		return
	}

	rp := p.upstreamFor(handle.LocalPort)

	r.URL.Path = rest
	r.URL.RawPath = rest
	rp.ServeHTTP(w, r)
}

func (p *Proxy) upstreamFor(localPort int) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rp, ok := p.upstreams[localPort]; ok {
		return rp
	}

	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(localPort)}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorLog = slog.NewLogLogger(p.log.Handler(), slog.LevelWarn)
	p.upstreams[localPort] = rp
	return rp
}

// splitProxyPath parses "/proxy/<user>/<cluster>/<ide>/<rest...>" into
// its components. rest always begins with "/", defaulting to "/" when
// no trailing segments are present.
func splitProxyPath(path string) (user, cluster, ide, rest string, err error) {
	const prefix = "/proxy/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", "", "", errors.New("proxy: path must start with /proxy/")
	}
	trimmed := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", "", errors.New("proxy: path must be /proxy/<user>/<cluster>/<ide>/...")
	}
	user, cluster, ide = parts[0], parts[1], parts[2]
	rest = "/"
	if len(parts) == 4 {
		rest = "/" + parts[3]
	}
	return user, cluster, ide, rest, nil
}
