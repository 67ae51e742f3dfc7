package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"aeroscraper/internal/event"
	"aeroscraper/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes the operation
// log. The engine sends on that channel blocking, so if this worker falls
// behind the engine stalls instead of losing an envelope.
type Worker struct {
	writer       *OpLogWriter
	input        <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(db *sql.DB, input <-chan event.Envelope, batchSize int, flushTimeout time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		writer:       NewOpLogWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Run batches incoming envelopes and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; remaining envelopes are flushed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]OperationRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("batch", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("batch", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, toRow(env))
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or shutdown forces one last
// attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []OperationRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("batch", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}
		w.log.Error().Err(err).Msg("persistence flush failed")
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []OperationRow) error {
	start := time.Now()
	if err := w.writer.WriteBatch(ctx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.PersistEnvelopesWritten.Add(float64(len(batch)))
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}
	return nil
}

func toRow(env event.Envelope) OperationRow {
	return OperationRow{
		Sequence: env.Sequence,
		BatchID:  env.BatchID.String(),
		OpType:   env.Type.String(),
		Caller:   env.Caller,
		Payload:  env.Payload,
		Ts:       env.Timestamp.UnixNano(),
	}
}
