// Package sandbox defines the sandbox abstraction (C4): start/stop a guest
// process with a memory cap, environment, and network configuration, and
// expose memory sampling, exit-code waiting, and log capture (§4.5 of the
// spec this module implements).
//
// Grounded on internal/vmm's VMM interface — "core code never knows which
// backend is active, only Start/Stop/HostEndpoints" — narrowed from a
// multi-VM manager down to the single-run sandbox contract this spec needs,
// with two concrete backends: an in-process worker and a container.
package sandbox

import "context"

// StartParams is everything a sandbox backend needs to launch the guest.
type StartParams struct {
	ScriptPath       string
	Version          string
	ServerPort       int
	MountPath        string
	ProxyHost        string // loopback, or a container-to-host alias
	ProxyPort        int
	RPCProxyPort     int
	BlacklistedHosts []string
	MemoryBytes      int64
	ShowLogs         bool
}

// ExitResult is what waiting for the guest process to end reports.
type ExitResult struct {
	ExitCode int
	Signaled bool
	Signal   int
}

// Sandbox is the capability set both backends implement:
// {start, stop, waitExit, memory, logs}.
type Sandbox interface {
	// Start launches the guest process with the given parameters.
	Start(ctx context.Context, params StartParams) error

	// Stop kills the guest process and releases sandbox resources.
	// Idempotent.
	Stop() error

	// WaitProcessEnd blocks until the guest process exits, or ctx is done.
	WaitProcessEnd(ctx context.Context) (ExitResult, error)

	// MemoryUsage returns the running maximum of the sampled memory usage
	// in bytes. Safe to call concurrently with Start/Stop.
	MemoryUsage() int64

	// Logs returns guest stdout/stderr captured so far.
	Logs() []string
}
