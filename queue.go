package federation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/usagipub/federation/internal"
)

// InboxJob is one accepted delivery awaiting processing.
type InboxJob struct {
	Sender   *Actor
	Activity *internal.JSONObject
	Received time.Time
}

// Queue decouples inbox acceptance from activity processing.
type Queue interface {
	Enqueue(c context.Context, job *InboxJob) error
}

// InboxQueue processes accepted deliveries with a worker pool. Processing
// is at-least-once: retryable failures are rescheduled with exponential
// backoff, permanent failures are logged and dropped.
type InboxQueue struct {
	cfg        *Config
	log        *zerolog.Logger
	dispatcher *Dispatcher
	jobs       chan *InboxJob
	wg         sync.WaitGroup
}

func NewInboxQueue(cfg *Config, log *zerolog.Logger, dispatcher *Dispatcher) *InboxQueue {
	return &InboxQueue{
		cfg:        cfg,
		log:        log,
		dispatcher: dispatcher,
		jobs:       make(chan *InboxJob, 256),
	}
}

// Start launches the worker pool. Workers drain until Shutdown closes the
// queue or the context is canceled.
func (q *InboxQueue) Start(c context.Context) {
	for i := 0; i < q.cfg.QueueWorkers; i++ {
		q.wg.Add(1)
		go q.worker(c)
	}
}

// Enqueue hands a delivery to the pool. A full queue sheds load with a
// retryable error so the remote redelivers later.
func (q *InboxQueue) Enqueue(c context.Context, job *InboxJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-c.Done():
		return WrapRetryable(CodeFetchFailed, "enqueue canceled", c.Err())
	default:
		return Retryablef(CodeFetchFailed, "inbox queue is full")
	}
}

// Shutdown stops intake and waits for in-flight jobs.
func (q *InboxQueue) Shutdown() {
	close(q.jobs)
	q.wg.Wait()
}

func (q *InboxQueue) worker(c context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-c.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(c, job)
		}
	}
}

func (q *InboxQueue) process(c context.Context, job *InboxJob) {
	log := q.log.With().
		Str("type", job.Activity.Type).
		Str("id", job.Activity.ID).
		Str("sender", job.Sender.URI).
		Logger()

	backoff := retry.WithMaxRetries(uint64(q.cfg.QueueMaxAttempts), retry.NewExponential(time.Second))

	err := retry.Do(c, backoff, func(c context.Context) error {
		result, err := q.dispatcher.Dispatch(c, job.Sender, job.Activity, 0)
		if err != nil {
			if IsRetryable(err) {
				log.Warn().Err(err).Msg("activity failed, will retry")
				return retry.RetryableError(err)
			}
			return err
		}
		if strings.HasPrefix(result, "skip") {
			log.Info().Str("result", result).Msg("activity skipped")
		} else {
			log.Info().Str("result", result).Msg("activity processed")
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("activity dropped")
	}
}
