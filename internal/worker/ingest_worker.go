package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"studymate/internal/app"
	"studymate/internal/platform/rabbitmq"
	"studymate/internal/repository"
)

// Ingester runs one ingestion.
type Ingester interface {
	Ingest(ctx context.Context, input app.IngestInput) (*app.IngestResult, error)
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDrop
)

// IngestWorker consumes ingest jobs and runs them on a bounded goroutine pool.
type IngestWorker struct {
	conn      *amqp.Connection
	ingester  Ingester
	queueName string
	workers   int
	logger    *zap.Logger

	pool   *ants.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, ingester Ingester, queueName string, workers int, logger *zap.Logger) *IngestWorker {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestWorker{
		conn:      conn,
		ingester:  ingester,
		queueName: queueName,
		workers:   workers,
		logger:    logger.With(zap.String("queue", queueName)),
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	pool, err := ants.NewPool(w.workers, ants.WithPanicHandler(func(p any) {
		w.logger.Error("ingest job panic recovered", zap.Any("panic", p))
	}))
	if err != nil {
		return fmt.Errorf("create worker pool failed: %w", err)
	}

	ch, err := w.conn.Channel()
	if err != nil {
		pool.Release()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		pool.Release()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	// never hold more unacked jobs than there are workers to run them
	if err := ch.Qos(w.workers, 0, false); err != nil {
		_ = ch.Close()
		pool.Release()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		pool.Release()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.pool = pool

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				w.wg.Add(1)
				if err := pool.Submit(func() {
					defer w.wg.Done()
					w.settle(d, w.handle(workerCtx, d.Body, d.Redelivered))
				}); err != nil {
					w.wg.Done()
					w.logger.Warn("submit ingest job failed", zap.Error(err))
					_ = d.Nack(false, true)
				}
			}
		}
	}()

	w.logger.Info("ingest worker started", zap.Int("workers", w.workers))
	return nil
}

func (w *IngestWorker) settle(d amqp.Delivery, out outcome) {
	var err error
	switch out {
	case outcomeAck:
		err = d.Ack(false)
	case outcomeRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		w.logger.Warn("settle delivery failed", zap.Error(err))
	}
}

// handle runs one job. Ingestion failures are recorded on the document itself,
// so they are acked; only failures before the document was claimed are
// retried, once.
func (w *IngestWorker) handle(ctx context.Context, body []byte, redelivered bool) outcome {
	var job rabbitmq.IngestJob
	if err := json.Unmarshal(body, &job); err != nil {
		w.logger.Warn("decode ingest job failed", zap.Error(err))
		return outcomeDrop
	}
	logger := w.logger.With(zap.String("document_id", job.DocumentID))

	res, err := w.ingester.Ingest(ctx, app.IngestInput{
		UserID:     job.UserID,
		DocumentID: job.DocumentID,
		Filename:   job.Filename,
		Data:       job.Data,
	})
	var ingestErr *app.IngestError
	switch {
	case err == nil:
		logger.Info("ingest job done", zap.Int("chunks", res.ChunkCount))
		return outcomeAck
	case errors.As(err, &ingestErr):
		logger.Warn("ingest job failed", zap.Bool("retryable", ingestErr.Retryable), zap.Error(err))
		return outcomeAck
	case errors.Is(err, repository.ErrInvalidTransition):
		// duplicate delivery of a job already taken
		logger.Info("ingest job already handled", zap.Error(err))
		return outcomeAck
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrDocumentNotFound):
		logger.Warn("ingest job rejected", zap.Error(err))
		return outcomeDrop
	case redelivered:
		logger.Error("ingest job failed twice, dropping", zap.Error(err))
		return outcomeDrop
	default:
		logger.Warn("ingest job failed, requeueing", zap.Error(err))
		return outcomeRequeue
	}
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.pool != nil {
		w.pool.Release()
	}
}
