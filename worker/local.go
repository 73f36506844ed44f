package worker

import (
	"context"
	"time"

	"github.com/loomrun/loom/event"
	"github.com/loomrun/loom/runtime"
	"github.com/loomrun/loom/scheduler"
	"github.com/loomrun/loom/store"
)

// LocalControl wires a worker to an in-process coordinator and scheduler.
type LocalControl struct {
	coord *runtime.Coordinator
	sched *scheduler.Scheduler
}

// NewLocalControl builds the in-process control adapter.
func NewLocalControl(coord *runtime.Coordinator, sched *scheduler.Scheduler) *LocalControl {
	return &LocalControl{coord: coord, sched: sched}
}

func (l *LocalControl) Poll(ctx context.Context, workerID string, maxActiveLeases int64) (scheduler.PollResult, error) {
	return l.sched.Poll(ctx, workerID, maxActiveLeases)
}

func (l *LocalControl) ReplayState(ctx context.Context, runID string) (event.State, error) {
	return l.coord.ReplayState(ctx, runID)
}

func (l *LocalControl) RecordIntent(ctx context.Context, req runtime.IntentRequest) (*runtime.IntentResult, error) {
	return l.coord.RecordIntent(ctx, req)
}

func (l *LocalControl) ReportStep(ctx context.Context, report runtime.StepReport) (*runtime.StepAck, error) {
	return l.coord.ReportStep(ctx, report)
}

func (l *LocalControl) Ack(ctx context.Context, req runtime.AckRequest) (*runtime.AckResult, error) {
	return l.coord.Ack(ctx, req)
}

func (l *LocalControl) RaiseInterrupt(ctx context.Context, req runtime.InterruptRequest) (*store.Interrupt, error) {
	return l.coord.RaiseInterrupt(ctx, req)
}

func (l *LocalControl) Heartbeat(ctx context.Context, leaseID, workerID string) (*store.Lease, error) {
	return l.coord.Heartbeat(ctx, leaseID, workerID)
}

// ExtendLease is available to local executors that know a slow step is coming.
func (l *LocalControl) ExtendLease(ctx context.Context, leaseID, workerID string, extra time.Duration) (*store.Lease, error) {
	return l.coord.ExtendLease(ctx, leaseID, workerID, extra)
}

var _ Control = (*LocalControl)(nil)
