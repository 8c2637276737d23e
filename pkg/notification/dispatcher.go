package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/shopcore/pkg/models"
	"go.uber.org/zap"
)

const sendTimeout = 30 * time.Second

// StatusChanged is the message handled by the notification actor.
type StatusChanged struct {
	Order             models.Order
	Status            models.OrderStatus
	EstimatedDelivery *time.Time
}

type notificationActor struct {
	sender Notifier
	logger *zap.Logger
}

func (a *notificationActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *StatusChanged:
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := a.sender.NotifyStatusChange(sendCtx, &msg.Order, msg.Status, msg.EstimatedDelivery); err != nil {
			a.logger.Error("Failed to send status notification",
				zap.String("order_id", msg.Order.ID),
				zap.String("status", string(msg.Status)),
				zap.Error(err))
			return
		}
		a.logger.Debug("Status notification sent",
			zap.String("order_id", msg.Order.ID),
			zap.String("status", string(msg.Status)))

	case *actor.Started:
		a.logger.Info("Notification actor started")

	case *actor.Stopping:
		a.logger.Info("Notification actor stopping")
	}
}

// Dispatcher hands notifications to a single actor so request handlers
// return without waiting on the SMS gateway. Messages are delivered in
// the order they were sent.
type Dispatcher struct {
	system *actor.ActorSystem
	pid    *actor.PID
	logger *zap.Logger
}

func NewDispatcher(sender Notifier, logger *zap.Logger) (*Dispatcher, error) {
	system := actor.NewActorSystem()

	props := actor.PropsFromProducer(func() actor.Actor {
		return &notificationActor{sender: sender, logger: logger}
	})
	pid, err := system.Root.SpawnNamed(props, "notification-actor")
	if err != nil {
		return nil, fmt.Errorf("failed to spawn notification actor: %w", err)
	}

	return &Dispatcher{system: system, pid: pid, logger: logger}, nil
}

// NotifyStatusChange queues the notification and always returns nil.
func (d *Dispatcher) NotifyStatusChange(_ context.Context, order *models.Order, status models.OrderStatus, estimatedDelivery *time.Time) error {
	snapshot := *order
	snapshot.Items = nil
	snapshot.Payments = nil
	d.system.Root.Send(d.pid, &StatusChanged{Order: snapshot, Status: status, EstimatedDelivery: estimatedDelivery})
	return nil
}

// Stop drains queued notifications and stops the actor.
func (d *Dispatcher) Stop() {
	if err := d.system.Root.PoisonFuture(d.pid).Wait(); err != nil {
		d.logger.Warn("Notification actor did not stop cleanly", zap.Error(err))
	}
}
