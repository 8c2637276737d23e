package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/example/shopcore/pkg/models"
)

// Notifier is told about every actual order status change. Callers log
// returned errors and carry on; a failed notification never undoes the
// change that triggered it.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, order *models.Order, status models.OrderStatus, estimatedDelivery *time.Time) error
}

type Nop struct{}

func (Nop) NotifyStatusChange(context.Context, *models.Order, models.OrderStatus, *time.Time) error {
	return nil
}

// StatusMessage is the customer text for a status, empty when the status
// is not announced.
func StatusMessage(order *models.Order, status models.OrderStatus) string {
	switch status {
	case models.OrderStatusConfirmed:
		return fmt.Sprintf("Votre commande #%s a été confirmée et est en préparation.", order.OrderNumber)
	case models.OrderStatusProcessing:
		return fmt.Sprintf("Votre commande #%s est en cours de préparation.", order.OrderNumber)
	case models.OrderStatusShipped:
		return fmt.Sprintf("Votre commande #%s a été expédiée.", order.OrderNumber)
	case models.OrderStatusDelivered:
		return fmt.Sprintf("Votre commande #%s a été livrée avec succès. Merci pour votre achat !", order.OrderNumber)
	case models.OrderStatusCancelled:
		return fmt.Sprintf("Votre commande #%s a été annulée.", order.OrderNumber)
	}
	return ""
}

// DeliveryMessage announces an estimated delivery for a shipped order and
// quotes the balance still to be collected at the door, if any.
func DeliveryMessage(order *models.Order, estimated time.Time) string {
	msg := fmt.Sprintf("Votre commande #%s est en cours de livraison. Temps estimé: %s.",
		order.OrderNumber, estimated.Format("02/01/2006"))
	if order.RemainingBalance.IsPositive() {
		msg += fmt.Sprintf(" Préparez %s CFA à la livraison.", order.RemainingBalance.StringFixed(0))
	}
	return msg
}
