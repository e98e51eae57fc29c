package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kitchenpulse/internal/domain/models"
	domrepo "kitchenpulse/internal/domain/repository"
	pkgkafka "kitchenpulse/pkg/kafka"
	"kitchenpulse/pkg/logger"
)

// SignalSubmitter is the part of EstimationService the consumer needs.
type SignalSubmitter interface {
	Submit(ctx context.Context, ev models.SignalEvent) error
}

// KafkaSignalsHandler feeds signal messages from Kafka into the estimation core.
type KafkaSignalsHandler struct {
	topic   string
	svc     SignalSubmitter
	metrics domrepo.Metrics
	log     *logger.Logger
	trustTS bool
	now     func() time.Time
}

func NewKafkaSignalsHandler(topic string, svc SignalSubmitter, metrics domrepo.Metrics, log *logger.Logger, trustTimestamps bool) *KafkaSignalsHandler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &KafkaSignalsHandler{topic: topic, svc: svc, metrics: metrics, log: log, trustTS: trustTimestamps, now: time.Now}
}

func (h *KafkaSignalsHandler) Topic() string { return h.topic }

// incoming message schema: models.SignalRequest as JSON
func (h *KafkaSignalsHandler) Handle(ctx context.Context, b []byte) error {
	var req models.SignalRequest
	if err := json.Unmarshal(b, &req); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return pkgkafka.Permanent(fmt.Errorf("decode signal: %w", err))
	}
	ev, err := SignalFromRequest(req, h.now(), h.trustTS)
	if err != nil {
		h.metrics.RecordError("consumer_invalid")
		return pkgkafka.Permanent(err)
	}

	err = h.svc.Submit(ctx, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrContention), errors.Is(err, context.DeadlineExceeded):
		// retried by the consumer with backoff
		return err
	case errors.Is(err, models.ErrServiceClosed):
		return err
	default:
		// a domain rejection is final; the core has logged and audited it
		return nil
	}
}

var _ pkgkafka.MessageHandler = (*KafkaSignalsHandler)(nil)
