package jobs

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

// taskTimeoutMargin covers store round trips and transitions around the
// timed phases of a run.
const taskTimeoutMargin = 2 * time.Minute

// TaskTimeout bounds one processing run: every wave of the largest allowed
// batch at its per-wave ceiling, then the completion loop and scoring in
// tail.
func TaskTimeout(maxProviders, limit int, perWave, tail time.Duration) time.Duration {
	if limit <= 0 {
		limit = 1
	}
	waves := (maxProviders + limit - 1) / limit
	return time.Duration(waves)*perWave + tail + taskTimeoutMargin
}

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient enqueues onto queue. A positive taskTimeout replaces asynq's
// default per-task deadline.
func NewClient(opt asynq.RedisConnOpt, queue string, taskTimeout time.Duration) *Client {
	if queue == "" {
		queue = "default"
	}
	return &Client{client: asynq.NewClient(opt), queue: queue, timeout: taskTimeout}
}

func (c *Client) options(extra ...asynq.Option) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(c.queue)}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	return append(opts, extra...)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueProcess schedules the first run of a request. The task id makes a
// second enqueue for the same request a no-op, and the task is never retried
// because a retry could dial the same providers twice.
func (c *Client) EnqueueProcess(ctx context.Context, requestID string) error {
	task, err := NewProcessTask(requestID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.options(
		asynq.TaskID("process:"+requestID),
		asynq.MaxRetry(0),
	)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (c *Client) EnqueueRecheck(ctx context.Context, requestID string, attempt int, delay time.Duration) error {
	task, err := NewRecheckTask(requestID, attempt)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.options(
		asynq.TaskID("recheck:"+requestID+":"+strconv.Itoa(attempt)),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
	)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
