package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gopsutilproc "github.com/shirou/gopsutil/v3/process"
)

// ThreadSandbox is the in-process worker variant: it runs the guest agent
// binary as a child process and enforces the memory cap by periodic
// sampling rather than OS-level isolation (§4.5, §9: "the thread-runtime
// variant compares sampled memory against the cap but the sampling
// interval is 100ms, so sub-interval OOMs may be reported as a generic
// crash — documented, not fixed").
//
// Grounded on internal/harness's processTracker (track a *exec.Cmd, kill on
// stop) and internal/harness/activity_linux.go's periodic sampler,
// generalized with gopsutil so sampling is portable rather than
// /proc-scraping Linux-only code.
type ThreadSandbox struct {
	guestBinPath string

	cmd    *exec.Cmd
	logs   *logBuffer
	mem    int64 // atomic, bytes
	stopCh chan struct{}
	mu     sync.Mutex
	done   chan struct{}
}

// NewThreadSandbox creates a thread-variant sandbox that execs guestBinPath.
func NewThreadSandbox(guestBinPath string) *ThreadSandbox {
	return &ThreadSandbox{
		guestBinPath: guestBinPath,
		logs:         newLogBuffer(),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the guest agent as a child process with the protocol port,
// mount path, and proxy addresses passed via environment, matching §6's
// "environment inputs to the guest".
func (s *ThreadSandbox) Start(ctx context.Context, params StartParams) error {
	cmd := exec.Command(s.guestBinPath, params.ScriptPath)
	cmd.Env = append(os.Environ(),
		"WEB3_FUNCTION_SERVER_PORT="+strconv.Itoa(params.ServerPort),
		"WEB3_FUNCTION_MOUNT_PATH="+params.MountPath,
		"WEB3_FUNCTION_VERSION="+params.Version,
		"WEB3_FUNCTION_HTTP_PROXY="+fmt.Sprintf("http://%s:%d", params.ProxyHost, params.ProxyPort),
		"WEB3_FUNCTION_RPC_PROXY_PORT="+strconv.Itoa(params.RPCProxyPort),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sandbox(thread): stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("sandbox(thread): stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox(thread): start guest: %w", err)
	}
	s.cmd = cmd

	go s.drain("stdout", stdout, params.ShowLogs)
	go s.drain("stderr", stderr, params.ShowLogs)
	go s.sampleMemory(params.MemoryBytes)

	return nil
}

func (s *ThreadSandbox) drain(stream string, r io.Reader, show bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.logs.add(line)
		if show {
			log.Printf("guest[%s]: %s", stream, line)
		}
	}
}

// sampleMemory polls the child's RSS every 100ms (§4.1 step 7). It does not
// itself kill the process on breach — the supervisor compares the sampled
// maximum against options.memory and classifies the run accordingly.
func (s *ThreadSandbox) sampleMemory(capBytes int64) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.cmd == nil || s.cmd.Process == nil {
				continue
			}
			proc, err := gopsutilproc.NewProcess(int32(s.cmd.Process.Pid))
			if err != nil {
				continue
			}
			info, err := proc.MemoryInfo()
			if err != nil || info == nil {
				continue
			}
			if rss := int64(info.RSS); rss > atomic.LoadInt64(&s.mem) {
				atomic.StoreInt64(&s.mem, rss)
			}
		}
	}
}

// MemoryUsage returns the running maximum sampled RSS.
func (s *ThreadSandbox) MemoryUsage() int64 {
	return atomic.LoadInt64(&s.mem)
}

// WaitProcessEnd blocks until the guest process exits.
func (s *ThreadSandbox) WaitProcessEnd(ctx context.Context) (ExitResult, error) {
	type result struct {
		r   ExitResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		err := s.cmd.Wait()
		ch <- result{r: exitResultFromError(err), err: nil}
	}()

	select {
	case res := <-ch:
		return res.r, res.err
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

func exitResultFromError(err error) ExitResult {
	if err == nil {
		return ExitResult{ExitCode: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExitResult{ExitCode: exitErr.ExitCode()}
	}
	return ExitResult{ExitCode: -1}
}

// Stop kills the guest process if still running. Idempotent.
func (s *ThreadSandbox) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		return nil // already stopped
	default:
		close(s.stopCh)
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

// Logs returns guest stdout/stderr captured so far.
func (s *ThreadSandbox) Logs() []string {
	return s.logs.snapshot()
}
