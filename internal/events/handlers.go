package events

import (
	"context"
	"errors"

	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// FanOut delivers to every handler and fails if any of them fails.
type FanOut []DeliveryHandler

func (f FanOut) Handle(ctx context.Context, ev Event) error {
	var errs []error
	for _, h := range f {
		if h == nil {
			continue
		}
		if err := h.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnlyTypes forwards events of the listed types and acknowledges the rest.
func OnlyTypes(h DeliveryHandler, types ...string) DeliveryHandler {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return HandlerFunc(func(ctx context.Context, ev Event) error {
		if !allowed[ev.Type] {
			return nil
		}
		return h.Handle(ctx, ev)
	})
}

// HandlerFunc adapts a function to DeliveryHandler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogHandler logs events; used when no transport is configured.
type LogHandler struct {
	logger *logging.Logger
}

func NewLogHandler(logger *logging.Logger) *LogHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(_ context.Context, ev Event) error {
	h.logger.Info("billing event", "event_id", ev.ID, "type", ev.Type, "session_id", ev.SessionID)
	return nil
}
