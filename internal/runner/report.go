package runner

import (
	"encoding/json"
	"time"

	"github.com/xfeldman/web3runner/internal/httpproxy"
	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/result"
	"github.com/xfeldman/web3runner/internal/rpcproxy"
	"github.com/xfeldman/web3runner/internal/sandbox"
)

// assembleReport reduces the race outcome plus the proxies' and sandbox's
// final counters into the structured ExecutionReport (§4.1 step 11, §7
// exit code table).
func assembleReport(
	version model.Version,
	start time.Time,
	out outcome,
	sb sandbox.Sandbox,
	hp *httpproxy.Proxy,
	rp *rpcproxy.Proxy,
	storageLimitKB int64,
	downloadLimit int64,
	uploadLimit int64,
) model.ExecutionReport {
	duration := time.Since(start).Seconds()
	memoryMB := float64(sb.MemoryUsage()) / (1024 * 1024)

	httpStats := hp.GetStats()
	rpcStats := rp.GetNbRpcCalls()

	report := model.ExecutionReport{
		Version:  version,
		Logs:     sb.Logs(),
		Duration: duration,
		Memory:   memoryMB,
		RPCCalls: model.RPCCounters{Total: rpcStats.Total, Throttled: rpcStats.Throttled},
		Network: model.NetworkCounters{
			NbRequests:  httpStats.NbRequests,
			NbThrottled: httpStats.NbThrottled,
			Download:    httpStats.Download,
			Upload:      httpStats.Upload,
		},
	}

	switch out.kind {
	case outcomeResult:
		if err := result.Validate(version, out.result); err != nil {
			report.Success = false
			report.Error = err.Error()
		} else {
			report.Success = true
			r := out.result
			report.Result = &r
		}
		applyStorage(&report, out.delta, storageLimitKB)
	case outcomeError:
		report.Success = false
		report.Error = out.errMsg
		applyStorage(&report, out.delta, storageLimitKB)
	case outcomeCrash:
		report.Success = false
		switch {
		case out.exit.ExitCode == quotaBreachExitCode:
			report.Throttled.RPCRequest = true
			report.Error = "guest exited after its RPC call quota was exhausted"
		case out.exit.Signaled:
			// Only the container runtime's WaitProcessEnd sets Signaled, and
			// only for an OOM-killed container (exit code 137) — the thread
			// runtime never sets it, so this branch is unambiguous.
			report.Throttled.Memory = true
			report.Error = "guest process was killed after exceeding its memory limit"
		default:
			report.Error = "guest process exited unexpectedly"
		}
	case outcomeMemory:
		report.Success = false
		report.Throttled.Memory = true
		report.Error = "memory limit exceeded"
	case outcomeTimeout:
		report.Success = false
		report.Throttled.Duration = true
		report.Error = "execution timed out"
	case outcomeInfra:
		report.Success = false
		report.Error = out.errMsg
	}

	report.Throttled.Download, report.Throttled.Upload = networkThrottleFlags(httpStats, downloadLimit, uploadLimit)
	if rpcStats.Throttled > 0 {
		report.Throttled.RPCRequest = true
	}
	if httpStats.NbThrottled > 0 {
		report.Throttled.NetworkRequest = true
	}

	return report
}

// quotaBreachExitCode mirrors internal/guest.QuotaBreachExitCode; duplicated
// here (rather than imported) to avoid a runner→guest dependency, since the
// guest package already depends on protocol/model/storage that runner also
// uses and a cycle would otherwise need breaking.
const quotaBreachExitCode = 250

// networkThrottleFlags reports download/upload separately against their own
// configured limits (§4.1: "download when nbThrottled>0 and download>=downloadLimit",
// same for upload) — comparing the two counters against each other instead
// would let a run that only breached one cap misreport the other.
func networkThrottleFlags(stats httpproxy.Stats, downloadLimit, uploadLimit int64) (download, upload bool) {
	download = stats.NbThrottled > 0 && downloadLimit > 0 && stats.Download >= downloadLimit
	upload = stats.NbThrottled > 0 && uploadLimit > 0 && stats.Upload >= uploadLimit
	return download, upload
}

func applyStorage(report *model.ExecutionReport, delta model.StorageDelta, limitKB int64) {
	report.Storage = &delta
	if blob, err := json.Marshal(delta.Storage); err == nil {
		report.StorageSize = float64(len(blob)) / 1024
		if limitKB > 0 && report.StorageSize > float64(limitKB) {
			report.Throttled.Storage = true
		}
	}
}
