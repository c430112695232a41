package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sethvargo/go-retry"

	"provider-scout/internal/lifecycle"
	"provider-scout/pkg/logger"
)

type Machine interface {
	Run(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Fail(ctx context.Context, id, reason string) error
}

type Scheduler interface {
	EnqueueRecheck(ctx context.Context, requestID string, attempt int, delay time.Duration) error
}

type RecheckPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RecheckPolicy) withDefaults() RecheckPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	return p
}

// Delay is the wait before re-check number attempt (1-based): exponential
// from BaseDelay, capped at MaxDelay.
func (p RecheckPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	b := retry.WithCappedDuration(p.MaxDelay, retry.NewExponential(p.BaseDelay))
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// interruptedGrace bounds the bookkeeping after a run hit its task deadline.
const interruptedGrace = 10 * time.Second

// Handler maps tasks onto the lifecycle machine.
type Handler struct {
	machine Machine
	sched   Scheduler
	policy  RecheckPolicy
}

func NewHandler(m Machine, s Scheduler, p RecheckPolicy) *Handler {
	return &Handler{machine: m, sched: s, policy: p.withDefaults()}
}

func (h *Handler) ProcessRequest(ctx context.Context, task *asynq.Task) error {
	p, err := ParseRequestPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	ctx = logger.WithAttrs(ctx, "request_id", p.RequestID, "task", task.Type())
	return h.after(ctx, p, h.machine.Run(ctx, p.RequestID))
}

func (h *Handler) RecheckRequest(ctx context.Context, task *asynq.Task) error {
	p, err := ParseRequestPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	ctx = logger.WithAttrs(ctx, "request_id", p.RequestID, "task", task.Type(), "attempt", p.Attempt)
	return h.after(ctx, p, h.machine.Resume(ctx, p.RequestID))
}

func (h *Handler) after(ctx context.Context, p RequestPayload, err error) error {
	log := logger.From(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrCallsPending):
		return h.recheck(ctx, p)
	case ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// The task ran out of time mid-run. The request stays where it was
		// cut off, so hand it to a re-check on a context of its own.
		log.Warn("request_task_interrupted", "err", err)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptedGrace)
		defer cancel()
		return h.recheck(dctx, p)
	case errors.Is(err, lifecycle.ErrConflict), errors.Is(err, lifecycle.ErrInvalidTransition):
		// Another worker owns the request or it already moved on.
		log.Info("request_task_skipped", "err", err)
		return nil
	default:
		log.Error("request_task_failed", "err", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
}

// recheck schedules the next re-check, or fails the request once the
// re-check budget is spent.
func (h *Handler) recheck(ctx context.Context, p RequestPayload) error {
	log := logger.From(ctx)
	next := p.Attempt + 1
	if next > h.policy.MaxAttempts {
		reason := fmt.Sprintf("calls still pending after %d re-checks", p.Attempt)
		if ferr := h.machine.Fail(ctx, p.RequestID, reason); ferr != nil {
			log.Error("request_fail_failed", "err", ferr)
			return ferr
		}
		return nil
	}
	delay := h.policy.Delay(next)
	log.Info("request_recheck_scheduled", "next_attempt", next, "delay_ms", delay.Milliseconds())
	return h.sched.EnqueueRecheck(ctx, p.RequestID, next, delay)
}
