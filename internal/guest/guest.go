// Package guest is the in-sandbox agent (C6): it loads the untrusted
// script, hands it a context facade (gelatoArgs, userArgs, secrets,
// storage, fetch), invokes the single exported handler, and turns the
// return value (or a thrown error) into the wire reply (§4.2, §5 of the
// spec this module implements).
//
// Grounded on jschallenge.OttoSolver's otto.Otto usage (bootstrap JS
// globals via vm.Run, bind Go functions with vm.Set, read results back
// with Value.Export) — narrowed from "solve a snippet and read one value"
// to "run a handler and read a structured result", and on
// internal/harness/rpc.go's request/reply framing for the exit-signal
// convention (a distinguished exit code tells the supervisor why the
// guest stopped).
package guest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/protocol"
	"github.com/xfeldman/web3runner/internal/storage"
)

// QuotaBreachExitCode is the process exit code the guest uses when the
// RPC proxy answers a call with HTTP 429 (the run's RPC call budget is
// exhausted), so the supervisor can distinguish "stopped for quota" from
// "crashed" (§7 exit code table).
const QuotaBreachExitCode = 250

// Agent runs one untrusted script against one ContextData and produces
// one OutputEvent. It is used exactly once per process.
type Agent struct {
	script    string
	version   model.Version
	proxyURL  string // egress HTTP proxy, e.g. "http://127.0.0.1:PORT"
	rpcURL    string // local RPC proxy base, e.g. "http://127.0.0.1:PORT/"
	httpc     *http.Client

	mu             sync.Mutex
	quotaBreached  bool
}

// NewAgent creates an Agent ready to run script under the given schema
// version, tunneling all HTTP traffic through the egress proxy at
// proxyURL and RPC calls through rpcURL.
func NewAgent(script string, version model.Version, proxyURL, rpcURL string) *Agent {
	httpc := &http.Client{Timeout: 30 * time.Second}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			httpc.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
		}
	}
	return &Agent{script: script, version: version, proxyURL: proxyURL, rpcURL: rpcURL, httpc: httpc}
}

// QuotaBreached reports whether the RPC proxy signaled a quota breach
// (HTTP 429 on a request to rpcURL) during the run. cmd/w3fguest checks this after Handle returns to decide
// whether to exit 0 or QuotaBreachExitCode.
func (a *Agent) QuotaBreached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quotaBreached
}

func (a *Agent) markQuotaBreached() {
	a.mu.Lock()
	a.quotaBreached = true
	a.mu.Unlock()
}

// Handle implements protocol.Handler: it is invoked exactly once with the
// single `start` input event for this run.
func (a *Agent) Handle(ctx context.Context, in protocol.InputEvent) protocol.OutputEvent {
	ctxData := in.Data.Context
	pre := ctxData.Storage
	if pre == nil {
		pre = map[string]string{}
	}
	live := make(map[string]string, len(pre))
	for k, v := range pre {
		live[k] = v
	}

	vm := otto.New()

	if err := a.bindGlobals(vm, ctxData, live); err != nil {
		return a.errorEvent("BindError", err.Error(), storage.Diff(pre, live))
	}

	if _, err := vm.Run(a.script); err != nil {
		return a.errorEvent("ScriptError", err.Error(), storage.Diff(pre, live))
	}

	handlerVal, err := vm.Get("__handler")
	if err != nil || !handlerVal.IsFunction() {
		return a.errorEvent("NoHandler", "script did not call Web3Function.onRun(handler)", storage.Diff(pre, live))
	}

	contextVal, err := vm.Get("context")
	if err != nil {
		return a.errorEvent("ContextError", err.Error(), storage.Diff(pre, live))
	}

	retVal, err := handlerVal.Call(otto.NullValue(), contextVal)
	if err != nil {
		return a.errorEvent("RuntimeError", err.Error(), storage.Diff(pre, live))
	}

	exported, err := retVal.Export()
	if err != nil {
		return a.errorEvent("ResultError", fmt.Sprintf("could not read return value: %v", err), storage.Diff(pre, live))
	}

	result, err := resultFromJS(exported)
	if err != nil {
		return a.errorEvent("ResultError", err.Error(), storage.Diff(pre, live))
	}

	delta := storage.Diff(pre, live)
	out, err := protocol.NewResultEvent(result, delta)
	if err != nil {
		return a.errorEvent("EncodeError", err.Error(), delta)
	}
	return out
}

func (a *Agent) errorEvent(name, message string, delta model.StorageDelta) protocol.OutputEvent {
	out, err := protocol.NewErrorEvent(name, message, delta)
	if err != nil {
		// Encoding the error itself failed; fall back to a minimal event
		// rather than leaving the supervisor waiting past its deadline.
		return protocol.OutputEvent{Action: protocol.ActionError}
	}
	return out
}

// resultFromJS converts the exported return value of the user handler into
// a model.Result, accepting either the V1 (string callData) or V2 (array)
// shape regardless of declared version — result.Validate is what actually
// enforces the version contract.
func resultFromJS(v interface{}) (model.Result, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return model.Result{}, fmt.Errorf("handler must return an object with a canExec field, got %T", v)
	}
	canExec, _ := m["canExec"].(bool)
	res := model.Result{CanExec: canExec}
	if !canExec {
		return res, nil
	}

	switch cd := m["callData"].(type) {
	case string:
		res.CallData = cd
	case []interface{}:
		calls := make([]model.Call, 0, len(cd))
		for _, item := range cd {
			cm, ok := item.(map[string]interface{})
			if !ok {
				return model.Result{}, fmt.Errorf("callData entries must be objects")
			}
			c := model.Call{}
			c.To, _ = cm["to"].(string)
			c.Data, _ = cm["data"].(string)
			c.Value, _ = cm["value"].(string)
			calls = append(calls, c)
		}
		res.Calls = calls
	default:
		return model.Result{}, fmt.Errorf("canExec=true requires a callData string or array")
	}
	return res, nil
}

// readBody drains and closes r, returning its content as a string, bounded
// defensively against an unbounded upstream response.
func readBody(r io.ReadCloser) (string, error) {
	defer r.Close()
	const maxBody = 16 * 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(r, maxBody))
	return string(data), err
}
