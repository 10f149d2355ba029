// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepLog is the outcome of one cycle step.
type StepLog struct {
	Step     string        `json:"step"`
	Success  bool          `json:"success"`
	Count    int           `json:"count"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// CycleReport describes one reconciliation cycle or full resync against one peer.
type CycleReport struct {
	CycleID       string       `json:"cycle_id"`
	OperationType string       `json:"operation_type"`
	PeerID        int64        `json:"peer_id"`
	PeerName      string       `json:"peer_name"`
	Status        string       `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Operations    []StepLog    `json:"operations"`
	Conflicts     []Resolution `json:"conflicts,omitempty"`
	Errors        []string     `json:"errors,omitempty"`
	Pushed        int          `json:"pushed"`
	Pulled        int          `json:"pulled"`
	Applied       int          `json:"applied"`
}

// StepFailed reports whether the named step ran and failed.
func (r *CycleReport) StepFailed(step string) bool {
	for _, op := range r.Operations {
		if op.Step == step {
			return !op.Success
		}
	}
	return false
}

func (r *CycleReport) addError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// step runs fn, records its outcome in the report and reports timing.
func (e *Engine) step(ctx context.Context, r *CycleReport, name string, fn func() (int, error)) error {
	started := time.Now()
	stage := e.stageStart()
	count, err := fn()
	entry := StepLog{Step: name, Success: err == nil, Count: count, Duration: time.Since(started)}
	if err != nil {
		entry.Error = err.Error()
	}
	r.Operations = append(r.Operations, entry)
	e.observeStage(ctx, r.OperationType, name, r.PeerName, stage, count, err != nil)
	return err
}

// beginCycle loads the peer and takes its lock. The returned release must be called.
func (e *Engine) beginCycle(ctx context.Context, peerID int64, opType string) (*Peer, *CycleReport, func(), error) {
	peer, err := e.peers.Get(ctx, peerID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !peer.Contactable() {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrPeerDisabled, peer.Name)
	}
	release, ok := e.lockPeer(peerID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrCycleInProgress, peer.Name)
	}
	report := &CycleReport{
		CycleID:       uuid.New().String(),
		OperationType: opType,
		PeerID:        peer.ID,
		PeerName:      peer.Name,
		StartedAt:     e.now().UTC(),
		Operations:    []StepLog{},
	}
	return peer, report, release, nil
}

// pingPeer runs the ping step. On failure the cycle is finished as aborted and
// only the peer's error counter and reliability change.
func (e *Engine) pingPeer(ctx context.Context, peer *Peer, r *CycleReport) (string, bool) {
	var remoteID string
	started := time.Now()
	err := e.step(ctx, r, StepPing, func() (int, error) {
		resp, err := e.transport.Ping(ctx, peer)
		if err != nil {
			return 0, err
		}
		if resp.ServerID == e.serverID {
			return 0, fmt.Errorf("peer %s answers with this node's server id", peer.Name)
		}
		remoteID = resp.ServerID
		return 1, nil
	})
	e.recordReliability(ctx, peer, StepPing, err == nil, time.Since(started))
	if err == nil {
		if perr := e.peers.RecordPing(ctx, peer.ID, remoteID); perr != nil {
			e.logger.Warn("failed to store ping", "peer", peer.Name, "error", perr)
		}
		return remoteID, true
	}

	e.logger.Warn("peer unreachable, cycle aborted", "peer", peer.Name, "error", err)
	r.addError(err)
	r.Status = CycleAborted
	if ferr := e.peers.RecordFailure(ctx, peer.ID, err); ferr != nil {
		e.logger.Warn("failed to record peer failure", "peer", peer.Name, "error", ferr)
	}
	e.recordReliability(ctx, peer, r.OperationType, false, time.Since(r.StartedAt))
	return "", false
}

func (e *Engine) recordReliability(ctx context.Context, peer *Peer, op string, success bool, d time.Duration) {
	if err := e.tracker.Record(ctx, peer.ID, op, success, d); err != nil {
		e.logger.Warn("failed to record reliability", "peer", peer.Name, "op", op, "error", err)
	}
}

// finishCycle stamps and persists the report.
func (e *Engine) finishCycle(ctx context.Context, r *CycleReport) {
	r.FinishedAt = e.now().UTC()
	if err := e.syncLog.Write(ctx, r); err != nil {
		e.logger.Error("failed to persist cycle report", "cycle_id", r.CycleID, "error", err)
	}
	attrs := []any{
		"cycle_id", r.CycleID, "peer", r.PeerName, "op", r.OperationType, "status", r.Status,
		"pushed", r.Pushed, "pulled", r.Pulled, "applied", r.Applied, "conflicts", len(r.Conflicts),
		"duration", r.FinishedAt.Sub(r.StartedAt),
	}
	if r.Status == CycleCompleted {
		e.logger.Info("sync finished", attrs...)
	} else {
		e.logger.Warn("sync finished", append(attrs, "errors", r.Errors)...)
	}
}

// RunCycle runs one reconciliation cycle against a peer:
// ping, capture, fetch, detect and resolve conflicts, push, apply, mark synced,
// update peer health. Step failures are reported in the CycleReport; the error
// is set only when the cycle could not start.
func (e *Engine) RunCycle(ctx context.Context, peerID int64) (*CycleReport, error) {
	peer, r, release, err := e.beginCycle(ctx, peerID, OpTypeCycle)
	if err != nil {
		return nil, err
	}
	defer release()
	total := e.stageStart()
	defer func() {
		e.observeStage(ctx, MetricsOpCycle, MetricsStageTotal, peer.Name, total, r.Pushed+r.Applied, r.Status != CycleCompleted)
	}()

	remoteID, ok := e.pingPeer(ctx, peer, r)
	if !ok {
		e.finishCycle(ctx, r)
		return r, nil
	}

	since := e.now().Add(-e.config.DefaultLookback)
	if peer.LastSync != nil {
		since = *peer.LastSync
	}

	var local []ChangeRecord
	captureErr := e.step(ctx, r, StepCaptureLocal, func() (int, error) {
		res, err := e.capturer.ChangesFor(ctx, since, remoteID)
		for _, terr := range res.Errors {
			r.addError(terr)
		}
		local = res.Changes
		return len(local), err
	})

	var remote []ChangeRecord
	pullStarted := time.Now()
	pullErr := e.step(ctx, r, StepFetchRemote, func() (int, error) {
		got, err := e.transport.Pull(ctx, peer, since)
		remote = withoutOrigin(got, e.serverID)
		return len(remote), err
	})
	e.recordReliability(ctx, peer, StepFetchRemote, pullErr == nil, time.Since(pullStarted))
	r.Pulled = len(remote)
	r.addError(captureErr)
	r.addError(pullErr)

	var conflicts []Conflict
	_ = e.step(ctx, r, StepDetectConflicts, func() (int, error) {
		conflicts = DetectConflicts(local, remote)
		return len(conflicts), nil
	})

	var plan ReconcilePlan
	_ = e.step(ctx, r, StepResolveConflicts, func() (int, error) {
		r.Conflicts = ResolveConflicts(conflicts, e.logger)
		plan = PlanReconcile(local, remote, r.Conflicts)
		return len(r.Conflicts), nil
	})

	pushErr := captureErr
	var ack PushAck
	if captureErr == nil {
		pushStarted := time.Now()
		pushErr = e.step(ctx, r, StepPushLocal, func() (int, error) {
			var err error
			ack, err = e.transport.Push(ctx, peer, plan.Push)
			return ack.AppliedCount, err
		})
		e.recordReliability(ctx, peer, StepPushLocal, pushErr == nil, time.Since(pushStarted))
		r.addError(pushErr)
		for _, ae := range ack.Errors {
			r.addError(fmt.Errorf("peer %s: %w", peer.Name, ae))
		}
		if pushErr == nil {
			r.Pushed = len(plan.Push)
		}
	}

	var applyErr error
	if pullErr == nil {
		applyErr = e.step(ctx, r, StepApplyRemote, func() (int, error) {
			res, err := e.applier.Apply(ctx, plan.Apply, ApplyOptions{GuardNewerLocal: true})
			r.Applied = res.AppliedCount
			for _, ae := range res.Errors {
				r.addError(ae)
			}
			if err == nil && len(res.Errors) > 0 {
				err = fmt.Errorf("%d of %d records failed to apply", len(res.Errors), len(plan.Apply))
			}
			return res.AppliedCount, err
		})
	}

	markErr := e.step(ctx, r, StepMarkSynced, func() (int, error) {
		return e.markSynced(ctx, plan, pushErr == nil)
	})
	r.addError(markErr)

	bothDirections := pushErr == nil && pullErr == nil && applyErr == nil
	_ = e.step(ctx, r, StepUpdatePeerHealth, func() (int, error) {
		return 0, e.updatePeerHealth(ctx, peer, r, pushErr, pullErr, bothDirections)
	})

	switch {
	case bothDirections && markErr == nil && len(r.Errors) == 0:
		r.Status = CycleCompleted
	default:
		r.Status = CyclePartial
	}
	e.recordReliability(ctx, peer, OpTypeCycle, pushErr == nil && pullErr == nil, time.Since(r.StartedAt))
	e.finishCycle(ctx, r)
	return r, nil
}

// markSynced completes the log entries the peer acknowledged plus the local
// entries that lost a conflict; unacknowledged entries get another retry.
func (e *Engine) markSynced(ctx context.Context, plan ReconcilePlan, pushed bool) (int, error) {
	var errs []error
	marked := 0
	for part, ids := range groupLogIDs(plan.Superseded) {
		if err := e.changeLog.MarkCompleted(ctx, part, ids); err != nil {
			errs = append(errs, err)
			continue
		}
		marked += len(ids)
	}
	for part, ids := range groupLogIDs(plan.Push) {
		if pushed {
			if err := e.changeLog.MarkCompleted(ctx, part, ids); err != nil {
				errs = append(errs, err)
				continue
			}
			marked += len(ids)
		} else if err := e.changeLog.MarkRetry(ctx, part, ids, e.config.MaxRetries); err != nil {
			errs = append(errs, err)
		}
	}
	return marked, errors.Join(errs...)
}

// updatePeerHealth advances last_sync to the cycle start only when both
// directions succeeded.
func (e *Engine) updatePeerHealth(ctx context.Context, peer *Peer, r *CycleReport, pushErr, pullErr error, bothDirections bool) error {
	if bothDirections {
		start := r.StartedAt
		return e.peers.RecordSuccess(ctx, peer.ID, &start)
	}
	if pushErr != nil || pullErr != nil {
		return e.peers.RecordFailure(ctx, peer.ID, errors.Join(pushErr, pullErr))
	}
	return e.peers.RecordSuccess(ctx, peer.ID, nil)
}

// RunFullSync exchanges the complete datasets with a peer: pull and apply
// everything the peer has, then push every local row the peer did not originate.
// The receive side guards against overwriting newer rows in both directions.
func (e *Engine) RunFullSync(ctx context.Context, peerID int64) (*CycleReport, error) {
	peer, r, release, err := e.beginCycle(ctx, peerID, OpTypeFullSync)
	if err != nil {
		return nil, err
	}
	defer release()
	total := e.stageStart()
	defer func() {
		e.observeStage(ctx, MetricsOpFullSync, MetricsStageTotal, peer.Name, total, r.Pushed+r.Applied, r.Status != CycleCompleted)
	}()

	remoteID, ok := e.pingPeer(ctx, peer, r)
	if !ok {
		e.finishCycle(ctx, r)
		return r, nil
	}

	var remote []ChangeRecord
	pullErr := e.step(ctx, r, StepFetchRemote, func() (int, error) {
		got, err := e.transport.FullPull(ctx, peer)
		remote = withoutOrigin(got, e.serverID)
		return len(remote), err
	})
	r.Pulled = len(remote)
	r.addError(pullErr)

	var applyErr error
	if len(remote) > 0 {
		applyErr = e.step(ctx, r, StepApplyRemote, func() (int, error) {
			res, err := e.applier.Apply(ctx, remote, ApplyOptions{GuardNewerLocal: true})
			r.Applied = res.AppliedCount
			for _, ae := range res.Errors {
				r.addError(ae)
			}
			return res.AppliedCount, err
		})
		r.addError(applyErr)
	}

	var local []ChangeRecord
	captureErr := e.step(ctx, r, StepCaptureLocal, func() (int, error) {
		res, err := e.capturer.CaptureAll(ctx)
		for _, terr := range res.Errors {
			r.addError(terr)
		}
		local = withoutOrigin(res.Changes, remoteID)
		return len(local), err
	})
	r.addError(captureErr)

	pushErr := captureErr
	var acked []ChangeRecord
	if captureErr == nil {
		pushErr = e.step(ctx, r, StepPushLocal, func() (int, error) {
			var applied int
			var err error
			acked, applied, err = e.transport.FullPush(ctx, peer, local)
			return applied, err
		})
		r.addError(pushErr)
		r.Pushed = len(acked)
	}

	markErr := e.step(ctx, r, StepMarkSynced, func() (int, error) {
		return e.markSynced(ctx, ReconcilePlan{Push: acked}, true)
	})
	r.addError(markErr)

	bothDirections := pushErr == nil && pullErr == nil && applyErr == nil
	_ = e.step(ctx, r, StepUpdatePeerHealth, func() (int, error) {
		return 0, e.updatePeerHealth(ctx, peer, r, pushErr, pullErr, bothDirections)
	})
	if bothDirections && markErr == nil && len(r.Errors) == 0 {
		r.Status = CycleCompleted
	} else {
		r.Status = CyclePartial
	}
	e.recordReliability(ctx, peer, OpTypeFullSync, pushErr == nil && pullErr == nil, time.Since(r.StartedAt))
	e.finishCycle(ctx, r)
	return r, nil
}
