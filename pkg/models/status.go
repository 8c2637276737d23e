package models

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// orderTransitions lists every legal move. Statuses without an entry are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	_, ok := orderTransitions[s]
	return s.Valid() && !ok
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type OrderPaymentStatus string

const (
	OrderPaymentPending    OrderPaymentStatus = "pending"
	OrderPaymentProcessing OrderPaymentStatus = "processing"
	OrderPaymentCompleted  OrderPaymentStatus = "completed"
	OrderPaymentPartial    OrderPaymentStatus = "partial"
	OrderPaymentFailed     OrderPaymentStatus = "failed"
	OrderPaymentCancelled  OrderPaymentStatus = "cancelled"
	OrderPaymentRefunded   OrderPaymentStatus = "refunded"
)

func (s OrderPaymentStatus) Valid() bool {
	switch s {
	case OrderPaymentPending, OrderPaymentProcessing, OrderPaymentCompleted, OrderPaymentPartial,
		OrderPaymentFailed, OrderPaymentCancelled, OrderPaymentRefunded:
		return true
	}
	return false
}

// PaymentStatus is the canonical, provider independent payment state.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"

	// PaymentStatusPendingValidation marks out-of-band proof waiting for an admin.
	PaymentStatusPendingValidation PaymentStatus = "pending_validation"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed,
		PaymentStatusCancelled, PaymentStatusRefunded, PaymentStatusPendingValidation:
		return true
	}
	return false
}

func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodOrangeMoney  PaymentMethod = "orange-money"
	PaymentMethodMTNMoMo      PaymentMethod = "mtn-momo"
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodBankTransfer PaymentMethod = "bank-transfer"
	PaymentMethodWhatsApp     PaymentMethod = "whatsapp"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodOrangeMoney, PaymentMethodMTNMoMo, PaymentMethodCash, PaymentMethodBankTransfer, PaymentMethodWhatsApp:
		return true
	}
	return false
}

// MobileMoney reports whether the method goes through a provider.
func (m PaymentMethod) MobileMoney() bool {
	return m == PaymentMethodOrangeMoney || m == PaymentMethodMTNMoMo
}

type DeliveryOption string

const (
	DeliveryFullPayment   DeliveryOption = "full_payment"
	DeliveryPayOnDelivery DeliveryOption = "pay_on_delivery"
)

type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusConfirmed ItemStatus = "confirmed"
	ItemStatusShipped   ItemStatus = "shipped"
	ItemStatusDelivered ItemStatus = "delivered"
	ItemStatusCancelled ItemStatus = "cancelled"
	ItemStatusReturned  ItemStatus = "returned"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusPending:   {ItemStatusConfirmed, ItemStatusCancelled},
	ItemStatusConfirmed: {ItemStatusShipped, ItemStatusCancelled},
	ItemStatusShipped:   {ItemStatusDelivered},
	ItemStatusDelivered: {ItemStatusReturned},
}

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusPending, ItemStatusConfirmed, ItemStatusShipped, ItemStatusDelivered, ItemStatusCancelled, ItemStatusReturned:
		return true
	}
	return false
}

func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	for _, allowed := range itemTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
