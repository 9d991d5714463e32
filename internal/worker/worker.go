package worker

import (
	"context"

	"insight-service/internal/broker"
	"insight-service/internal/util"

	"go.uber.org/zap"
)

// IngestWorker applies upstream entity mutations consumed from Kafka
type IngestWorker struct {
	consumer *broker.Consumer
	handler  *broker.EventHandler
	logger   *zap.Logger
}

// NewIngestWorker creates a new ingest worker
func NewIngestWorker(consumer *broker.Consumer, mutator broker.EntityMutator, logger *zap.Logger) *IngestWorker {
	logger = util.ComponentLogger(logger, "ingest_worker")
	return &IngestWorker{
		consumer: consumer,
		handler:  broker.NewEventHandler(mutator, logger),
		logger:   logger,
	}
}

// Start blocks consuming messages until ctx is cancelled or the consumer is closed
func (w *IngestWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting ingest worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *IngestWorker) Stop() error {
	w.logger.Info("Stopping ingest worker")
	return w.consumer.Close()
}
