package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestThreadSandboxRunsAndCapturesLogs(t *testing.T) {
	sb := NewThreadSandbox("/bin/echo")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sb.Start(ctx, StartParams{
		ScriptPath:   "hello-from-guest",
		ServerPort:   0,
		MountPath:    "run",
		ProxyHost:    "127.0.0.1",
		ProxyPort:    0,
		RPCProxyPort: 0,
		MemoryBytes:  64 * 1024 * 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Stop()

	res, err := sb.WaitProcessEnd(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}

	logs := sb.Logs()
	found := false
	for _, l := range logs {
		if l == "hello-from-guest" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected captured stdout to include the echoed arg, got %v", logs)
	}
}

func TestThreadSandboxStopIsIdempotent(t *testing.T) {
	sb := NewThreadSandbox("/bin/sleep")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sb.Start(ctx, StartParams{ScriptPath: "5"}); err != nil {
		t.Fatal(err)
	}
	if err := sb.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := sb.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestLogBufferBoundsLines(t *testing.T) {
	b := newLogBuffer()
	for i := 0; i < maxLogLines+10; i++ {
		b.add("line")
	}
	if len(b.snapshot()) != maxLogLines {
		t.Fatalf("expected buffer capped at %d, got %d", maxLogLines, len(b.snapshot()))
	}
}
