// Package runner is the supervisor (C7): for one run it wires together
// port allocation, the egress and RPC proxies, a sandbox backend, and the
// protocol client, then reduces whatever happens — a reply, a crash, a
// timeout, or a quota breach — into a single ExecutionReport (§4.1 of the
// spec this module implements).
//
// Grounded on internal/lifecycle.Manager's bootInstance/waitForRunning
// pattern: start the backend, race a readiness signal against the
// backend's own failure, and always tear down in a single cleanup path
// regardless of which arm of the race won.
package runner

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/web3runner/internal/httpproxy"
	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/portalloc"
	"github.com/xfeldman/web3runner/internal/rpcproxy"
	"github.com/xfeldman/web3runner/internal/sandbox"
	"github.com/xfeldman/web3runner/internal/userargs"
)

// RunInput is everything one run needs beyond the supervisor's own options.
type RunInput struct {
	ScriptPath     string
	GuestBinPath   string // required for RuntimeThread
	ContainerImage string // required for RuntimeContainer

	Schema       model.UserArgsSchema
	UserArgs     model.UserArgs
	GelatoArgs   model.GelatoArgs
	Secrets      map[string]string
	Storage      map[string]string
	Version      model.Version
	RPCProviders rpcproxy.ProviderConfig
}

// Supervisor runs scripts one at a time under a fixed set of quotas.
type Supervisor struct {
	opts model.RunnerOptions
}

// NewSupervisor creates a Supervisor bound to opts for the lifetime of
// every run it drives.
func NewSupervisor(opts model.RunnerOptions) *Supervisor {
	return &Supervisor{opts: opts}
}

// Run drives exactly one script end to end and always returns a report,
// even on crash or timeout — only a pre-flight validation failure or an
// infrastructure error (e.g. no free ports) returns a non-nil error.
func (s *Supervisor) Run(ctx context.Context, in RunInput) (model.ExecutionReport, error) {
	start := time.Now()

	if err := userargs.Validate(in.Schema, in.UserArgs); err != nil {
		return model.ExecutionReport{}, fmt.Errorf("runner: invalid userArgs: %w", err)
	}

	serverPort := s.opts.ServerPort
	if serverPort == 0 {
		var err error
		serverPort, err = portalloc.Pick()
		if err != nil {
			return model.ExecutionReport{}, fmt.Errorf("runner: allocate protocol port: %w", err)
		}
	}
	mountPath := uuid.New().String()

	hp := httpproxy.New(httpproxy.Options{
		BlacklistedHosts: s.opts.BlacklistedHosts,
		RequestLimit:     s.opts.RequestLimit,
		DownloadLimit:    s.opts.DownloadLimit,
		UploadLimit:      s.opts.UploadLimit,
	})
	proxyAddr, err := hp.Start()
	if err != nil {
		return model.ExecutionReport{}, fmt.Errorf("runner: start http proxy: %w", err)
	}
	defer hp.Stop()

	proxyHost, proxyPortStr, err := net.SplitHostPort(proxyAddr)
	if err != nil {
		return model.ExecutionReport{}, fmt.Errorf("runner: parse http proxy addr %q: %w", proxyAddr, err)
	}
	proxyPort, _ := strconv.Atoi(proxyPortStr)

	rp := rpcproxy.New(rpcproxy.Options{Providers: in.RPCProviders, RPCLimit: s.opts.RPCLimit})
	rpcBaseURL, err := rp.Start()
	if err != nil {
		return model.ExecutionReport{}, fmt.Errorf("runner: start rpc proxy: %w", err)
	}
	defer rp.Stop()

	rpcPort, err := portFromURL(rpcBaseURL)
	if err != nil {
		return model.ExecutionReport{}, fmt.Errorf("runner: parse rpc proxy addr %q: %w", rpcBaseURL, err)
	}

	sb, err := s.newSandbox(in)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	defer sb.Stop()

	gelatoArgs := in.GelatoArgs
	if in.Version == model.V1 && gelatoArgs.BlockTime == nil {
		now := time.Now().Unix()
		gelatoArgs.BlockTime = &now
	}

	startParams := sandbox.StartParams{
		ScriptPath:       in.ScriptPath,
		Version:          string(in.Version),
		ServerPort:       serverPort,
		MountPath:        mountPath,
		ProxyHost:        proxyHost,
		ProxyPort:        proxyPort,
		RPCProxyPort:     rpcPort,
		BlacklistedHosts: s.opts.BlacklistedHosts,
		MemoryBytes:      s.opts.MemoryBytes,
		ShowLogs:         s.opts.ShowLogs,
	}

	if err := sb.Start(ctx, startParams); err != nil {
		return model.ExecutionReport{}, fmt.Errorf("runner: start sandbox: %w", err)
	}

	exitCh := make(chan sandbox.ExitResult, 1)
	go func() {
		res, _ := sb.WaitProcessEnd(context.Background())
		exitCh <- res
	}()

	memBreachCh := make(chan struct{}, 1)
	memDone := make(chan struct{})
	defer close(memDone)
	go watchMemory(sb, s.opts.MemoryBytes, memBreachCh, memDone)

	timeout := time.Duration(s.opts.TimeoutMS) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctxData := model.ContextData{
		GelatoArgs:     gelatoArgs,
		UserArgs:       in.UserArgs,
		Secrets:        in.Secrets,
		Storage:        in.Storage,
		RPCProviderURL: rpcBaseURL + strconv.FormatUint(gelatoArgs.ChainID, 10),
	}

	ex := s.exchange(runCtx, serverPort, mountPath, ctxData, exitCh, memBreachCh)
	if ex.kind == outcomeInfra {
		logf("runner: infra error during exchange: %s", ex.errMsg)
	}

	report := assembleReport(in.Version, start, ex, sb, hp, rp, s.opts.StorageLimitKB, s.opts.DownloadLimit, s.opts.UploadLimit)
	return report, nil
}

func (s *Supervisor) newSandbox(in RunInput) (sandbox.Sandbox, error) {
	switch s.opts.Runtime {
	case model.RuntimeThread:
		if in.GuestBinPath == "" {
			return nil, fmt.Errorf("runner: RuntimeThread requires GuestBinPath")
		}
		return sandbox.NewThreadSandbox(in.GuestBinPath), nil
	case model.RuntimeContainer:
		if in.ContainerImage == "" {
			return nil, fmt.Errorf("runner: RuntimeContainer requires ContainerImage")
		}
		return sandbox.NewContainerSandbox(in.ContainerImage), nil
	default:
		return nil, fmt.Errorf("runner: unknown runtime %q", s.opts.Runtime)
	}
}

// watchMemory polls the sandbox's sampled memory every 100ms and signals
// memBreachCh the first time it exceeds cap, then stops — the exchange
// loop only needs to know a breach happened once.
func watchMemory(sb sandbox.Sandbox, limit int64, memBreachCh chan<- struct{}, done <-chan struct{}) {
	if limit <= 0 {
		return
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if sb.MemoryUsage() > limit {
				select {
				case memBreachCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func portFromURL(base string) (int, error) {
	host := base
	if idx := len("http://"); len(base) > idx {
		host = base[idx:]
	}
	for i, c := range host {
		if c == '/' {
			host = host[:i]
			break
		}
	}
	_, portStr, err := net.SplitHostPort(host)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// logf is a small indirection so tests can silence supervisor logging.
var logf = log.Printf
