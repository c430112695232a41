package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"provider-scout/pkg/logger"
)

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *slog.Logger
}

func NewWorker(opt asynq.RedisConnOpt, queue string, concurrency int, h *Handler, log *slog.Logger) *Worker {
	if queue == "" {
		queue = "default"
	}
	if concurrency < 1 {
		concurrency = 4
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		BaseContext: func() context.Context { return logger.With(context.Background(), log) },
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskProcessRequest, h.ProcessRequest)
	mux.HandleFunc(TaskRecheckRequest, h.RecheckRequest)
	return &Worker{server: server, mux: mux, log: log}
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()
	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("jobs_worker_stopped", "err", err)
	}
}
