package guest

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/robertkrimen/otto"

	"github.com/xfeldman/web3runner/internal/model"
)

// bindGlobals wires the Go-side implementations of Web3Function.onRun,
// context.secrets, context.storage, and fetch into vm, then evaluates the
// bootstrap script that assembles the context object user code sees.
//
// live is the in-memory storage working set: get/set/delete mutate it
// directly so the caller can diff it against the pre-run snapshot once the
// handler returns.
func (a *Agent) bindGlobals(vm *otto.Otto, ctxData model.ContextData, live map[string]string) error {
	if err := vm.Set("__secretsGet", a.secretsGet(ctxData.Secrets)); err != nil {
		return err
	}
	if err := vm.Set("__storageGet", a.storageGet(live)); err != nil {
		return err
	}
	if err := vm.Set("__storageSet", a.storageSet(live)); err != nil {
		return err
	}
	if err := vm.Set("__storageDelete", a.storageDelete(live)); err != nil {
		return err
	}
	if err := vm.Set("fetch", a.fetch()); err != nil {
		return err
	}

	gelatoJSON, err := json.Marshal(struct {
		ChainID        uint64  `json:"chainId"`
		GasPrice       string  `json:"gasPrice"`
		TaskID         string  `json:"taskId"`
		BlockTime      *int64  `json:"blockTime,omitempty"`
		RPCProviderURL string  `json:"rpcProviderUrl"`
	}{
		ChainID:        ctxData.GelatoArgs.ChainID,
		GasPrice:       bigIntString(ctxData.GelatoArgs.GasPrice),
		TaskID:         ctxData.GelatoArgs.TaskID,
		BlockTime:      ctxData.GelatoArgs.BlockTime,
		RPCProviderURL: ctxData.RPCProviderURL,
	})
	if err != nil {
		return fmt.Errorf("guest: marshal gelatoArgs: %w", err)
	}

	userArgsJSON, err := json.Marshal(ctxData.UserArgs)
	if err != nil {
		return fmt.Errorf("guest: marshal userArgs: %w", err)
	}

	bootstrap := fmt.Sprintf(`
var __handler = null;
var Web3Function = { onRun: function(fn) { __handler = fn; } };
var context = {};
context.gelatoArgs = %s;
context.userArgs = %s;
context.secrets = { get: function(key) { return __secretsGet(key); } };
context.storage = {
  get: function(key) { return __storageGet(key); },
  set: function(key, value) { __storageSet(key, value); },
  delete: function(key) { __storageDelete(key); }
};
`, gelatoJSON, userArgsJSON)

	_, err = vm.Run(bootstrap)
	return err
}

func bigIntString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}

func (a *Agent) secretsGet(secrets map[string]string) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		val, ok := secrets[key]
		if !ok {
			return otto.NullValue()
		}
		v, _ := call.Otto.ToValue(val)
		return v
	}
}

func (a *Agent) storageGet(live map[string]string) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		val, ok := live[key]
		if !ok {
			return otto.NullValue()
		}
		v, _ := call.Otto.ToValue(val)
		return v
	}
}

// storageSet enforces that only strings may be stored, matching the
// typed-storage contract: a script that passes a number or object is a
// programming error in the script, surfaced as a thrown TypeError rather
// than silently coerced.
func (a *Agent) storageSet(live map[string]string) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		valArg := call.Argument(1)
		if !valArg.IsString() {
			panic(call.Otto.MakeTypeError("storage.set: value must be a string"))
		}
		val, _ := valArg.ToString()
		live[key] = val
		return otto.UndefinedValue()
	}
}

func (a *Agent) storageDelete(live map[string]string) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		delete(live, key)
		return otto.UndefinedValue()
	}
}

// fetch is a synchronous stand-in for the browser fetch API: otto only
// supports ES5.1, with no Promise/async-await, so the handler must be
// written against a blocking fetch rather than an awaited one. It tunnels
// every request through the egress HTTP proxy so the run's network quotas
// apply uniformly, including to calls against context.gelatoArgs.rpcProviderUrl.
func (a *Agent) fetch() func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		target, _ := call.Argument(0).ToString()
		method := http.MethodGet
		var body io.Reader

		if opts := call.Argument(1); opts.IsObject() {
			obj := opts.Object()
			if m, err := obj.Get("method"); err == nil && m.IsString() {
				method, _ = m.ToString()
			}
			if b, err := obj.Get("body"); err == nil && b.IsString() {
				s, _ := b.ToString()
				body = strings.NewReader(s)
			}
		}

		req, err := http.NewRequest(method, target, body)
		if err != nil {
			panic(call.Otto.MakeCustomError("FetchError", err.Error()))
		}

		resp, err := a.httpc.Do(req)
		if err != nil {
			panic(call.Otto.MakeCustomError("FetchError", err.Error()))
		}

		// §4.2 scopes the 429→exit-250 quota-breach signal to the RPC facade
		// specifically; httpproxy.go's own request-limit check also answers
		// 429 for ordinary (non-RPC) egress traffic, which must not be
		// mistaken for an RPC-call quota breach.
		if resp.StatusCode == http.StatusTooManyRequests && a.rpcURL != "" && strings.HasPrefix(target, a.rpcURL) {
			a.markQuotaBreached()
		}

		text, err := readBody(resp.Body)
		if err != nil {
			panic(call.Otto.MakeCustomError("FetchError", err.Error()))
		}

		respObj, _ := call.Otto.Object(`({})`)
		respObj.Set("status", resp.StatusCode)
		respObj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
		respObj.Set("text", func(otto.FunctionCall) otto.Value {
			v, _ := call.Otto.ToValue(text)
			return v
		})
		respObj.Set("json", func(otto.FunctionCall) otto.Value {
			var parsed interface{}
			if err := json.Unmarshal([]byte(text), &parsed); err != nil {
				panic(call.Otto.MakeCustomError("FetchError", "response is not valid JSON"))
			}
			v, _ := call.Otto.ToValue(parsed)
			return v
		})

		return respObj.Value()
	}
}
