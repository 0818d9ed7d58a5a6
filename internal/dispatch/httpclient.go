package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	xproxy "golang.org/x/net/proxy"

	gateway "github.com/lockgate-ai/lockgate/internal"
)

const (
	totalTimeout   = 300 * time.Second
	connectTimeout = 10 * time.Second
	idleTimeout    = 90 * time.Second
	keepAlive      = 60 * time.Second
)

// ClientPool caches one *http.Client per egress proxy configuration. Direct
// (proxyless) traffic shares a single client. All clients disable automatic
// gzip decompression: the upstream byte stream is forwarded untouched.
type ClientPool struct {
	resolver *dnscache.Resolver

	mu      sync.RWMutex
	clients map[string]*http.Client // key: proxy URL, "" = direct
}

// NewClientPool creates a pool. resolver may be nil to use system DNS.
func NewClientPool(resolver *dnscache.Resolver) *ClientPool {
	return &ClientPool{
		resolver: resolver,
		clients:  make(map[string]*http.Client),
	}
}

// For returns the client for the given proxy, building and caching it on
// first use. A nil proxy yields the direct client.
func (p *ClientPool) For(proxy *gateway.ProxyConfig) (*http.Client, error) {
	key := ""
	if proxy != nil {
		key = proxy.URL().String()
	}

	p.mu.RLock()
	c, ok := p.clients[key]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	t, err := p.newTransport(proxy)
	if err != nil {
		return nil, err
	}
	c = &http.Client{Transport: t, Timeout: totalTimeout}
	p.clients[key] = c
	return c, nil
}

func (p *ClientPool) newTransport(proxy *gateway.ProxyConfig) (*http.Transport, error) {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     idleTimeout,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DisableCompression:  true,
	}

	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: keepAlive}

	switch {
	case proxy == nil:
		t.DialContext = p.cachingDial(dialer)
	case proxy.Type == "http" || proxy.Type == "https":
		t.Proxy = http.ProxyURL(proxy.URL())
		t.DialContext = dialer.DialContext
	case proxy.Type == "socks5":
		socks, err := xproxy.FromURL(proxy.URL(), dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", proxy.ID, err)
		}
		cd, ok := socks.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 proxy %s: dialer lacks context support", proxy.ID)
		}
		t.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("proxy %s: unsupported type %q", proxy.ID, proxy.Type)
	}
	return t, nil
}

// cachingDial wraps the dialer with DNS caching for direct connections.
func (p *ClientPool) cachingDial(d *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	if p.resolver == nil {
		return d.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := p.resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
}
