package runner

import (
	"context"
	"time"

	"github.com/xfeldman/web3runner/internal/model"
	"github.com/xfeldman/web3runner/internal/protocol"
	"github.com/xfeldman/web3runner/internal/sandbox"
)

// outcomeKind tags which arm of the exchange race settled the run.
type outcomeKind int

const (
	outcomeResult outcomeKind = iota
	outcomeError
	outcomeCrash
	outcomeTimeout
	outcomeMemory
	outcomeInfra
)

// exitGracePeriod is how long exchange waits for a pending reply to still
// arrive after the guest process has already exited, before committing to
// outcomeCrash (§4.1 step 10(iv): "otherwise a race between a valid result
// and process exit misclassifies a success as a crash"). The guest
// deliberately exits shortly after replying (cmd/w3fguest's post-reply
// sleep), so the exit signal and the reply can land in the same instant.
const exitGracePeriod = 100 * time.Millisecond

// outcome is the reduced result of racing the guest's reply against its
// own premature exit, the run timeout, and a memory-cap breach.
type outcome struct {
	kind   outcomeKind
	result model.Result
	delta  model.StorageDelta
	errMsg string
	exit   sandbox.ExitResult
}

// exchange connects to the guest, sends the single start event, and races
// the reply against the guest crashing, the memory sampler firing, or the
// run context expiring (§4.1 step 9: "a four-way race between the guest's
// reply, its own exit, a quota breach, and the overall timeout").
func (s *Supervisor) exchange(
	ctx context.Context,
	serverPort int,
	mountPath string,
	ctxData model.ContextData,
	exitCh <-chan sandbox.ExitResult,
	memBreachCh <-chan struct{},
) outcome {
	client := protocol.NewClient("127.0.0.1", serverPort, mountPath)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reachCh := make(chan error, 1)
	go func() { reachCh <- client.WaitReachable(connectCtx) }()

	select {
	case err := <-reachCh:
		if err != nil {
			return s.waitInfraOrCrash(exitCh, "guest did not become reachable: "+err.Error())
		}
	case res := <-exitCh:
		return outcome{kind: outcomeCrash, exit: res}
	case <-ctx.Done():
		return outcome{kind: outcomeTimeout}
	}

	replyCh := make(chan protocol.OutputEvent, 1)
	replyErrCh := make(chan error, 1)
	go func() {
		out, err := client.SendStart(ctx, protocol.NewStartEvent(ctxData))
		if err != nil {
			replyErrCh <- err
			return
		}
		replyCh <- out
	}()

	select {
	case out := <-replyCh:
		return outcomeFromEvent(out)
	case err := <-replyErrCh:
		return s.waitInfraOrCrash(exitCh, "guest reply failed: "+err.Error())
	case res := <-exitCh:
		return graceOrCrash(res, replyCh, replyErrCh)
	case <-memBreachCh:
		return outcome{kind: outcomeMemory}
	case <-ctx.Done():
		return outcome{kind: outcomeTimeout}
	}
}

// graceOrCrash is reached when the guest process has already exited but a
// reply might still be in flight (already written to the wire, not yet
// read from the socket). It gives replyCh/replyErrCh one last exitGracePeriod
// window to win the race before the exit is committed as a crash.
func graceOrCrash(exit sandbox.ExitResult, replyCh <-chan protocol.OutputEvent, replyErrCh <-chan error) outcome {
	grace := time.NewTimer(exitGracePeriod)
	defer grace.Stop()
	select {
	case out := <-replyCh:
		return outcomeFromEvent(out)
	case err := <-replyErrCh:
		return outcome{kind: outcomeCrash, exit: exit, errMsg: "guest reply failed: " + err.Error()}
	case <-grace.C:
		return outcome{kind: outcomeCrash, exit: exit}
	}
}

// waitInfraOrCrash distinguishes "the guest crashed before we could talk to
// it" from "something else went wrong in the protocol layer" by giving the
// exit channel a brief last chance to report the real exit code.
func (s *Supervisor) waitInfraOrCrash(exitCh <-chan sandbox.ExitResult, msg string) outcome {
	select {
	case res := <-exitCh:
		return outcome{kind: outcomeCrash, exit: res}
	default:
		return outcome{kind: outcomeInfra, errMsg: msg}
	}
}

func outcomeFromEvent(out protocol.OutputEvent) outcome {
	switch out.Action {
	case protocol.ActionResult:
		rd, err := out.AsResult()
		if err != nil {
			return outcome{kind: outcomeInfra, errMsg: "decode result event: " + err.Error()}
		}
		return outcome{kind: outcomeResult, result: rd.Result, delta: rd.Storage}
	case protocol.ActionError:
		ed, err := out.AsError()
		if err != nil {
			return outcome{kind: outcomeInfra, errMsg: "decode error event: " + err.Error()}
		}
		return outcome{kind: outcomeError, errMsg: ed.Error.Name + ": " + ed.Error.Message, delta: ed.Storage}
	default:
		return outcome{kind: outcomeInfra, errMsg: "unknown output event action " + out.Action}
	}
}
