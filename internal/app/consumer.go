package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
)

const stepsHandlerTimeout = 15 * time.Second

// StepsConsumer turns validated step events into earnings.
type StepsConsumer struct {
	service *Service
	logger  *slog.Logger
}

func (s *Service) StepsConsumer() *StepsConsumer {
	return &StepsConsumer{service: s, logger: s.logger.With("component", "steps_consumer")}
}

// HandleMessage reports whether the delivery should be acknowledged. Only failures
// that a redelivery could fix return false.
func (c *StepsConsumer) HandleMessage(body []byte) bool {
	var event domain.StepsValidatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload; dropping", "err", err)
		return true
	}
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.UserID) == "" {
		c.logger.Warn("event missing id or user; dropping", "event_id", event.EventID, "user_id", event.UserID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), stepsHandlerTimeout)
	defer cancel()

	result, err := c.service.CreditEarning(ctx, event.UserID, event.Steps, event.EventID)
	switch {
	case err == nil:
		c.logger.Debug("steps credited",
			"event_id", event.EventID, "user_id", event.UserID, "amount", result.Amount, "duplicate", result.Duplicate)
		return true
	case isPermanent(err):
		c.logger.Warn("steps event rejected; dropping", "event_id", event.EventID, "user_id", event.UserID, "err", err)
		return true
	default:
		c.logger.Error("steps event failed; requeuing", "event_id", event.EventID, "user_id", event.UserID, "err", err)
		return false
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrInvalidUser) ||
		errors.Is(err, domain.ErrInvalidKind)
}
