package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/hashicorp/go-multierror"

	"github.com/shortlink-org/go-mediator/logger"
	"github.com/shortlink-org/go-mediator/mediator"
	"github.com/shortlink-org/go-mediator/registry"
)

// Mediator is the local mediator seen by application code once the process
// joins a fleet: Publish also notifies other processes unless the context
// says the notification came from one of them.
type Mediator struct {
	local    mediator.Mediator
	notifier Dispatcher
	log      logger.Logger
	metrics  *Metrics
}

var (
	_ mediator.Mediator     = (*Mediator)(nil)
	_ mediator.Capabilities = (*Mediator)(nil)
)

func NewMediator(local mediator.Mediator, notifier Dispatcher, log logger.Logger, metrics *Metrics) *Mediator {
	return &Mediator{
		local:    local,
		notifier: notifier,
		log:      logger.Component(log, "bus.mediator"),
		metrics:  metrics,
	}
}

// Send always runs in process.
func (m *Mediator) Send(ctx context.Context, request any) (any, error) {
	return m.local.Send(ctx, request)
}

// Publish runs local subscribers, then fans the notification out unless
// propagation is suppressed. Notifications without a channel or a
// destination stay local.
func (m *Mediator) Publish(ctx context.Context, notification any) error {
	var errs *multierror.Error

	if err := m.local.Publish(ctx, notification); err != nil {
		errs = multierror.Append(errs, err)
	}

	if m.notifier == nil || mediator.PropagationSuppressed(ctx) {
		return errs.ErrorOrNil()
	}

	err := m.notifier.Notify(ctx, notification)

	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNoRoute), errors.Is(err, registry.ErrNoDestination):
		m.metrics.NotificationUnroutable(ctx)
		m.log.DebugWithContext(ctx, "Notification has nowhere to go, delivered locally only",
			slog.String("type", fmt.Sprintf("%T", notification)),
			slog.Any("error", err),
		)
	default:
		errs = multierror.Append(errs, fmt.Errorf("bus: notify fleet: %w", err))
	}

	return errs.ErrorOrNil()
}

func (m *Mediator) CanSend(t reflect.Type) bool {
	if c, ok := m.local.(mediator.Capabilities); ok {
		return c.CanSend(t)
	}

	return true
}

func (m *Mediator) CanPublish(t reflect.Type) bool {
	if c, ok := m.local.(mediator.Capabilities); ok {
		return c.CanPublish(t)
	}

	return true
}
