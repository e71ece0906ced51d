package guest

import (
	"context"
	"testing"

	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/protocol"
)

func handle(t *testing.T, script string, ctxData model.ContextData) protocol.OutputEvent {
	t.Helper()
	a := NewAgent(script, model.V1, "", "")
	in := protocol.NewStartEvent(ctxData)
	return a.Handle(context.Background(), in)
}

func TestHandlerReturnsCanExecFalse(t *testing.T) {
	script := `
Web3Function.onRun(function(context) {
  return { canExec: false };
});
`
	out := handle(t, script, model.ContextData{UserArgs: model.UserArgs{}})
	if out.Action != protocol.ActionResult {
		t.Fatalf("expected result event, got %s", out.Action)
	}
	rd, err := out.AsResult()
	if err != nil {
		t.Fatal(err)
	}
	if rd.Result.CanExec {
		t.Fatal("expected canExec=false")
	}
}

func TestHandlerReadsUserArgs(t *testing.T) {
	script := `
Web3Function.onRun(function(context) {
  var n = context.userArgs.threshold;
  return { canExec: true, callData: "0xdeadbeefdeadbeef" + n };
});
`
	out := handle(t, script, model.ContextData{UserArgs: model.UserArgs{"threshold": float64(16)}})
	rd, err := out.AsResult()
	if err != nil {
		t.Fatal(err)
	}
	if !rd.Result.CanExec {
		t.Fatalf("expected canExec=true, got %+v", rd.Result)
	}
}

func TestHandlerStorageRoundTrip(t *testing.T) {
	script := `
Web3Function.onRun(function(context) {
  var prev = context.storage.get("counter");
  var next = prev === null ? "1" : String(parseInt(prev, 10) + 1);
  context.storage.set("counter", next);
  return { canExec: false };
});
`
	out := handle(t, script, model.ContextData{
		UserArgs: model.UserArgs{},
		Storage:  map[string]string{"counter": "4"},
	})
	rd, err := out.AsResult()
	if err != nil {
		t.Fatal(err)
	}
	if rd.Storage.Diff["counter"] != "5" {
		t.Fatalf("expected counter diff = 5, got %+v", rd.Storage.Diff)
	}
}

func TestHandlerStorageSetNonStringThrows(t *testing.T) {
	script := `
Web3Function.onRun(function(context) {
  context.storage.set("counter", 5);
  return { canExec: false };
});
`
	out := handle(t, script, model.ContextData{UserArgs: model.UserArgs{}})
	if out.Action != protocol.ActionError {
		t.Fatalf("expected error event for non-string storage.set, got %s", out.Action)
	}
}

func TestHandlerSecretsGet(t *testing.T) {
	script := `
Web3Function.onRun(function(context) {
  var key = context.secrets.get("API_KEY");
  return { canExec: true, callData: "0x" + (key ? "1" : "0") + "000000" };
});
`
	out := handle(t, script, model.ContextData{
		UserArgs: model.UserArgs{},
		Secrets:  map[string]string{"API_KEY": "shh"},
	})
	rd, err := out.AsResult()
	if err != nil {
		t.Fatal(err)
	}
	if rd.Result.CallData != "0x1000000" {
		t.Fatalf("expected secret to be visible, got %q", rd.Result.CallData)
	}
}

func TestHandlerMissingOnRunIsError(t *testing.T) {
	out := handle(t, `var x = 1;`, model.ContextData{UserArgs: model.UserArgs{}})
	if out.Action != protocol.ActionError {
		t.Fatalf("expected error event, got %s", out.Action)
	}
}

func TestHandlerThrowIsError(t *testing.T) {
	script := `
Web3Function.onRun(function(context) {
  throw new Error("boom");
});
`
	out := handle(t, script, model.ContextData{UserArgs: model.UserArgs{}})
	if out.Action != protocol.ActionError {
		t.Fatalf("expected error event, got %s", out.Action)
	}
}
