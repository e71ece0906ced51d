package rpcproxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer upstream.Close()

	p := New(Options{Providers: ProviderConfig{1: upstream.URL}})
	base, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	resp, err := http.Post(base+"1", "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	stats := p.GetNbRpcCalls()
	if stats.Total != 1 {
		t.Fatalf("expected total=1, got %d", stats.Total)
	}
}

func TestUnknownChainRejected(t *testing.T) {
	p := New(Options{Providers: ProviderConfig{}})
	base, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	resp, err := http.Post(base+"999", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRPCLimitEnforced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	p := New(Options{Providers: ProviderConfig{1: upstream.URL}, RPCLimit: 2})
	base, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	for i := 0; i < 2; i++ {
		resp, err := http.Post(base+"1", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Post(base+"1", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once over budget, got %d", resp.StatusCode)
	}

	stats := p.GetNbRpcCalls()
	if stats.Throttled < 1 {
		t.Fatalf("expected throttled >= 1, got %d", stats.Throttled)
	}
}
