package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// Log writes every event to the structured log. It never fails.
type Log struct {
	logger *zap.Logger
}

func NewLog(l *zap.Logger) *Log {
	if l == nil {
		l = zap.NewNop()
	}
	return &Log{logger: l}
}

func (h *Log) Handle(_ context.Context, eventType string, payload []byte) error {
	h.logger.Info("outbox event delivered",
		zap.String("event_type", eventType),
		zap.Any("payload", json.RawMessage(payload)),
	)
	return nil
}
