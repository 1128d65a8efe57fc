package mail

import (
	"context"
	"time"

	"checkout-service/internal/util"

	"go.uber.org/zap"
)

type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// EmailSender delivers one HTML email
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (SendResult, error)
}

// LogSender only logs. It is used when SMTP is not configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{logger: util.GetLogger()}
}

func (s *LogSender) SendEmail(ctx context.Context, to, subject, body string) (SendResult, error) {
	s.logger.Info("Email delivery disabled, dropping message",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)))
	return SendResult{MessageID: "log", SentAt: time.Now()}, nil
}
