package httpproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func dialViaProxy(t *testing.T, proxyAddr, targetURL string) (*http.Response, error) {
	t.Helper()
	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	return client.Get(targetURL)
}

func TestBlacklistedHostRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	backendURL, _ := url.Parse(backend.URL)

	p := New(Options{BlacklistedHosts: []string{backendURL.Hostname()}})
	addr, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	resp, err := dialViaProxy(t, addr, backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if p.GetStats().NbThrottled == 0 {
		t.Fatal("expected NbThrottled > 0")
	}
}

func TestRequestLimitEnforced(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	p := New(Options{RequestLimit: 1})
	addr, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	resp1, err := dialViaProxy(t, addr, backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp1.StatusCode)
	}

	resp2, err := dialViaProxy(t, addr, backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", resp2.StatusCode)
	}
}

func TestDownloadCapThrottles(t *testing.T) {
	payload := strings.Repeat("x", 10*1024)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer backend.Close()

	p := New(Options{DownloadLimit: 1024})
	addr, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	resp, err := dialViaProxy(t, addr, backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	stats := p.GetStats()
	if stats.NbThrottled == 0 {
		t.Fatal("expected download cap to register a throttle")
	}
	if stats.Download < 1024 {
		t.Fatalf("expected at least 1024 bytes counted, got %d", stats.Download)
	}
}
