// Package rpcproxy is the chain RPC proxy (C3): it forwards JSON-RPC calls
// per chain id to an upstream provider, counts them, and enforces a call
// budget (§4.4 of the spec this module implements).
//
// Grounded on other_examples' maestroi-solana-retro rpc-proxy, which fronts
// a Solana JSON-RPC endpoint with a golang.org/x/time/rate token bucket;
// here the bucket smooths bursts while a hard counter enforces the
// per-run call budget.
package rpcproxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProviderConfig maps a chain id to its upstream RPC endpoint.
type ProviderConfig map[uint64]string

// Stats mirrors §4.4's getNbRpcCalls() result.
type Stats struct {
	Total     int
	Throttled int
}

// Options configures the proxy for one run.
type Options struct {
	Providers ProviderConfig
	RPCLimit  int // 0 = unlimited
}

// Proxy routes JSON-RPC calls by chain id, found in the URL path
// (/<chainId>), to the matching upstream provider.
type Proxy struct {
	opts    Options
	limiter *rate.Limiter

	mu    sync.Mutex
	stats Stats

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	client   *http.Client
}

// New creates a proxy for the given providers and call budget. A generous
// burst-smoothing limiter (10 req/s, burst 20) absorbs legitimate bursts
// without affecting the hard per-run budget.
func New(opts Options) *Proxy {
	return &Proxy{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Start binds a loopback listener and begins serving. Returns the base URL
// (e.g. "http://127.0.0.1:port/") that guest code should use as its RPC
// endpoint; callers append the chain id as a path segment.
func (p *Proxy) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("rpcproxy: listen: %w", err)
	}
	p.listener = ln
	p.server = &http.Server{Handler: http.HandlerFunc(p.serveHTTP)}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.server.Serve(ln)
	}()

	return "http://" + ln.Addr().String() + "/", nil
}

// Stop closes the listener and waits for the serve loop to exit.
func (p *Proxy) Stop() error {
	if p.server == nil {
		return nil
	}
	err := p.server.Close()
	p.wg.Wait()
	return err
}

// GetNbRpcCalls returns a snapshot of the proxy's counters.
func (p *Proxy) GetNbRpcCalls() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	chainID := strings.Trim(r.URL.Path, "/")
	upstream, ok := p.opts.Providers[parseChainID(chainID)]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown chain id %q", chainID), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	overBudget := p.opts.RPCLimit > 0 && p.stats.Total >= p.opts.RPCLimit
	if !overBudget {
		p.stats.Total++
	}
	p.mu.Unlock()

	if overBudget {
		p.mu.Lock()
		p.stats.Throttled++
		p.mu.Unlock()
		http.Error(w, "rpc call budget exceeded", http.StatusTooManyRequests)
		return
	}

	// Smooth bursts against the upstream provider; the hard per-run budget
	// above is what actually governs the throttled reason in the report.
	if err := p.limiter.Wait(r.Context()); err != nil {
		http.Error(w, "rpc proxy: rate limiter wait cancelled", http.StatusTooManyRequests)
		return
	}

	outReq, err := http.NewRequest(r.Method, upstream, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()

	resp, err := p.client.Do(outReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func parseChainID(s string) uint64 {
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}
