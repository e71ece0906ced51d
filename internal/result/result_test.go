package result

import (
	"testing"

	"github.com/xfeldman/web3runner/internal/model"
)

func TestCanExecFalseAlwaysAccepted(t *testing.T) {
	r := model.Result{CanExec: false}
	if err := Validate(model.V1, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(model.V2, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestV1MissingCallData(t *testing.T) {
	r := model.Result{CanExec: true}
	err := Validate(model.V1, r)
	if err == nil || !contains(err.Error(), "must") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestV1ValidCallData(t *testing.T) {
	r := model.Result{CanExec: true, CallData: "0xdeadbeef"}
	if err := Validate(model.V1, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestV1ShortCallData(t *testing.T) {
	r := model.Result{CanExec: true, CallData: "0x"}
	if err := Validate(model.V1, r); err == nil {
		t.Fatal("expected error for too-short callData")
	}
}

func TestV2ValidCalls(t *testing.T) {
	r := model.Result{
		CanExec: true,
		Calls: []model.Call{
			{To: "0x0000000000000000000000000000000000000001", Data: "0xdeadbeef", Value: "100"},
		},
	}
	if err := Validate(model.V2, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestV2BadAddress(t *testing.T) {
	r := model.Result{
		CanExec: true,
		Calls:   []model.Call{{To: "not-an-address", Data: "0xdeadbeef"}},
	}
	if err := Validate(model.V2, r); err == nil {
		t.Fatal("expected error for invalid address")
	}
}

func TestV2BadValue(t *testing.T) {
	r := model.Result{
		CanExec: true,
		Calls: []model.Call{
			{To: "0x0000000000000000000000000000000000000001", Data: "0xdeadbeef", Value: "abc"},
		},
	}
	if err := Validate(model.V2, r); err == nil {
		t.Fatal("expected error for non-decimal value")
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
