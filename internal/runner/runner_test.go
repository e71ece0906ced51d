package runner

import (
	"context"
	"testing"
	"time"

	"github.com/xfeldman/web3runner/internal/httpproxy"
	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/rpcproxy"
	"github.com/xfeldman/web3runner/internal/sandbox"
)

type fakeSandbox struct {
	memory int64
	logs   []string
}

func (f *fakeSandbox) Start(ctx context.Context, params sandbox.StartParams) error { return nil }
func (f *fakeSandbox) Stop() error                                                { return nil }
func (f *fakeSandbox) WaitProcessEnd(ctx context.Context) (sandbox.ExitResult, error) {
	return sandbox.ExitResult{}, nil
}
func (f *fakeSandbox) MemoryUsage() int64 { return f.memory }
func (f *fakeSandbox) Logs() []string     { return f.logs }

func TestPortFromURL(t *testing.T) {
	port, err := portFromURL("http://127.0.0.1:54321/")
	if err != nil {
		t.Fatal(err)
	}
	if port != 54321 {
		t.Fatalf("expected 54321, got %d", port)
	}
}

func TestWatchMemoryFiresOnBreach(t *testing.T) {
	sb := &fakeSandbox{memory: 500}
	breachCh := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)

	watchMemory(sb, 100, breachCh, done)

	select {
	case <-breachCh:
	default:
		t.Fatal("expected a memory breach signal")
	}
}

func TestWatchMemoryNoLimitNoOp(t *testing.T) {
	sb := &fakeSandbox{memory: 999999}
	breachCh := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)

	watchMemory(sb, 0, breachCh, done)

	select {
	case <-breachCh:
		t.Fatal("expected no signal when limit is 0 (unlimited)")
	default:
	}
}

func TestAssembleReportResultSuccess(t *testing.T) {
	sb := &fakeSandbox{memory: 10 * 1024 * 1024, logs: []string{"hello"}}
	hp := httpproxy.New(httpproxy.Options{})
	rp := rpcproxy.New(rpcproxy.Options{})

	ex := outcome{
		kind:   outcomeResult,
		result: model.Result{CanExec: true, CallData: "0x1234567890"},
		delta:  model.StorageDelta{State: model.StorageLast, Storage: map[string]string{}, Diff: map[string]interface{}{}},
	}

	report := assembleReport(model.V1, time.Now(), ex, sb, hp, rp, 1024, 0, 0)
	if !report.Success {
		t.Fatalf("expected success, got error=%q", report.Error)
	}
	if report.Result == nil || !report.Result.CanExec {
		t.Fatal("expected result with canExec=true")
	}
}

func TestAssembleReportInvalidResultIsFailure(t *testing.T) {
	sb := &fakeSandbox{}
	hp := httpproxy.New(httpproxy.Options{})
	rp := rpcproxy.New(rpcproxy.Options{})

	ex := outcome{
		kind:   outcomeResult,
		result: model.Result{CanExec: true, CallData: "short"},
		delta:  model.StorageDelta{Storage: map[string]string{}, Diff: map[string]interface{}{}},
	}

	report := assembleReport(model.V1, time.Now(), ex, sb, hp, rp, 1024, 0, 0)
	if report.Success {
		t.Fatal("expected failure for a callData that fails hex validation")
	}
}

func TestAssembleReportCrashQuotaBreach(t *testing.T) {
	sb := &fakeSandbox{}
	hp := httpproxy.New(httpproxy.Options{})
	rp := rpcproxy.New(rpcproxy.Options{})

	ex := outcome{kind: outcomeCrash, exit: sandbox.ExitResult{ExitCode: quotaBreachExitCode}}

	report := assembleReport(model.V2, time.Now(), ex, sb, hp, rp, 1024, 0, 0)
	if report.Success {
		t.Fatal("expected failure")
	}
	if !report.Throttled.RPCRequest && !report.Throttled.NetworkRequest {
		t.Fatal("expected a throttle flag set for quota-breach exit code")
	}
}

func TestAssembleReportContainerOOMSetsMemoryThrottle(t *testing.T) {
	sb := &fakeSandbox{}
	hp := httpproxy.New(httpproxy.Options{})
	rp := rpcproxy.New(rpcproxy.Options{})

	ex := outcome{kind: outcomeCrash, exit: sandbox.ExitResult{ExitCode: 137, Signaled: true, Signal: 9}}

	report := assembleReport(model.V2, time.Now(), ex, sb, hp, rp, 1024, 0, 0)
	if report.Success {
		t.Fatal("expected failure")
	}
	if !report.Throttled.Memory {
		t.Fatal("expected Throttled.Memory for an OOM-killed container exit")
	}
	if report.Throttled.RPCRequest || report.Throttled.NetworkRequest {
		t.Fatal("an OOM kill should not also report a proxy quota breach")
	}
}

func TestNetworkThrottleFlagsComparePerLimit(t *testing.T) {
	// A run that breached only the download cap while uploading more bytes
	// overall must still report download=true, upload=false, and vice versa.
	stats := httpproxy.Stats{NbThrottled: 1, Download: 2048, Upload: 4096}

	download, upload := networkThrottleFlags(stats, 1024, 0)
	if !download {
		t.Fatal("expected download throttle when download exceeds its own limit")
	}
	if upload {
		t.Fatal("did not expect upload throttle when upload stayed under its own (unset) limit")
	}

	download, upload = networkThrottleFlags(stats, 0, 1024)
	if download {
		t.Fatal("did not expect download throttle when its limit is unset")
	}
	if !upload {
		t.Fatal("expected upload throttle when upload exceeds its own limit")
	}
}

func TestAssembleReportTimeout(t *testing.T) {
	sb := &fakeSandbox{}
	hp := httpproxy.New(httpproxy.Options{})
	rp := rpcproxy.New(rpcproxy.Options{})

	ex := outcome{kind: outcomeTimeout}

	report := assembleReport(model.V2, time.Now(), ex, sb, hp, rp, 1024, 0, 0)
	if report.Success {
		t.Fatal("expected failure")
	}
	if !report.Throttled.Duration {
		t.Fatal("expected Throttled.Duration")
	}
}
