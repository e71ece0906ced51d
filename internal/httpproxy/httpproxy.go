// Package httpproxy is the HTTP egress proxy (C2): it forwards guest
// HTTP(S) traffic, meters bytes and request count, and enforces a host
// blocklist and per-run traffic caps (§4.3 of the spec this module
// implements).
//
// Grounded on internal/router's accept-loop/relay shape and
// internal/harness/portproxy.go's io.Copy relay, generalized from a plain
// TCP bridge into an accounting forward proxy (CONNECT tunneling for HTTPS,
// request forwarding for plain HTTP).
package httpproxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Stats mirrors §4.3's getStats() result.
type Stats struct {
	NbRequests  int
	NbThrottled int
	Download    int64
	Upload      int64
}

// Options configures the proxy for one run.
type Options struct {
	BlacklistedHosts []string
	RequestLimit     int
	DownloadLimit    int64
	UploadLimit      int64
}

// Proxy is a forwarding proxy bound to loopback for the lifetime of one run.
type Proxy struct {
	opts Options

	mu    sync.Mutex
	stats Stats

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// New creates a proxy with the given quotas. It is not yet listening.
func New(opts Options) *Proxy {
	return &Proxy{opts: opts}
}

// Start binds a loopback listener and begins serving. Returns the bound
// address ("127.0.0.1:port").
func (p *Proxy) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("httpproxy: listen: %w", err)
	}
	p.listener = ln
	p.server = &http.Server{Handler: http.HandlerFunc(p.serveHTTP)}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			// Listener was closed out from under a live Serve — expected on Stop().
		}
	}()

	return ln.Addr().String(), nil
}

// Stop closes the listener and waits for the serve loop to exit. Idempotent.
func (p *Proxy) Stop() error {
	if p.server == nil {
		return nil
	}
	err := p.server.Close()
	p.wg.Wait()
	return err
}

// GetStats returns a snapshot of the proxy's counters.
func (p *Proxy) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Proxy) isBlacklisted(host string) bool {
	h := stripPort(host)
	for _, b := range p.opts.BlacklistedHosts {
		if strings.EqualFold(h, b) {
			return true
		}
	}
	return false
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if r.Method != http.MethodConnect {
		host = r.URL.Host
		if host == "" {
			host = r.Host
		}
	}

	if p.isBlacklisted(host) {
		p.recordThrottle()
		http.Error(w, "host is blocklisted", http.StatusForbidden)
		return
	}

	p.mu.Lock()
	overLimit := p.opts.RequestLimit > 0 && p.stats.NbRequests >= p.opts.RequestLimit
	if !overLimit {
		p.stats.NbRequests++
	}
	p.mu.Unlock()
	if overLimit {
		p.recordThrottle()
		http.Error(w, "request limit reached", http.StatusTooManyRequests)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, host)
		return
	}
	p.handleForward(w, r)
}

// handleConnect tunnels a CONNECT (HTTPS) request, metering both directions
// against the run's download/upload caps.
func (p *Proxy) handleConnect(w http.ResponseWriter, host string) {
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	upstream, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		return
	}
	defer client.Close()

	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	done := make(chan struct{}, 2)
	go func() {
		p.relay(upstream, client, &p.stats.Upload, p.opts.UploadLimit)
		done <- struct{}{}
	}()
	go func() {
		p.relay(client, upstream, &p.stats.Download, p.opts.DownloadLimit)
		done <- struct{}{}
	}()
	<-done
}

// handleForward forwards a plain HTTP request, metering request/response bodies.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	outReq, err := http.NewRequest(r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()

	resp, err := http.DefaultClient.Do(outReq)
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

	n, capped := p.copyCapped(w, resp.Body, p.opts.DownloadLimit, &p.stats.Download)
	_ = n
	if capped {
		p.recordThrottle()
	}
}

// relay copies src→dst, tracking bytes against the given counter/limit and
// terminating the stream once the limit is exceeded (§4.3: "cap/stream-
// terminate and count as throttled").
func (p *Proxy) relay(dst io.Writer, src io.Reader, counter *int64, limit int64) {
	_, capped := p.copyCapped(dst, src, limit, counter)
	if capped {
		p.recordThrottle()
	}
}

// copyCapped copies from src to dst, stopping after the first chunk that
// takes counter past limit (limit <= 0 means unlimited); that chunk is still
// written. Returns bytes copied and whether the cap was hit.
func (p *Proxy) copyCapped(dst io.Writer, src io.Reader, limit int64, counter *int64) (int64, bool) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			p.mu.Lock()
			*counter += int64(n)
			over := limit > 0 && *counter > limit
			p.mu.Unlock()

			if _, err := dst.Write(buf[:n]); err != nil {
				return total, false
			}
			total += int64(n)
			if over {
				return total, true
			}
		}
		if readErr != nil {
			return total, false
		}
	}
}

func (p *Proxy) recordThrottle() {
	p.mu.Lock()
	p.stats.NbThrottled++
	p.mu.Unlock()
}
