package domain

type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "abierto"
	OrderStatusPreparing OrderStatus = "preparando"
	OrderStatusReady     OrderStatus = "listo"
	OrderStatusDelivered OrderStatus = "entregado"
	OrderStatusClosed    OrderStatus = "cerrado"
)

// orderStatusRank is the position in the lifecycle; transitions only move forward.
var orderStatusRank = map[OrderStatus]int{
	OrderStatusOpen:      0,
	OrderStatusPreparing: 1,
	OrderStatusReady:     2,
	OrderStatusDelivered: 3,
	OrderStatusClosed:    4,
}

// OrderStatuses lists every status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusOpen,
		OrderStatusPreparing,
		OrderStatusReady,
		OrderStatusDelivered,
		OrderStatusClosed,
	}
}

func (s OrderStatus) Valid() bool {
	_, ok := orderStatusRank[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusClosed
}

func (s OrderStatus) String() string {
	return string(s)
}

// CanTransitionTo allows any strictly forward move. Skipping ahead is fine,
// repeating or going back is not.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	from, ok := orderStatusRank[s]
	if !ok {
		return false
	}
	to, ok := orderStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

type OrderPaymentStatus string

const (
	OrderPaymentPending OrderPaymentStatus = "pendiente"
	OrderPaymentPaid    OrderPaymentStatus = "pagado"
)

func (s OrderPaymentStatus) Valid() bool {
	return s == OrderPaymentPending || s == OrderPaymentPaid
}
