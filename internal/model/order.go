package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus is the execution collaborator's view of an order.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// ParseOrderStatus normalises a status string.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case OrderSubmitted, OrderFilled, OrderRejected, OrderCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// OrderOutcome is reported asynchronously after an approved decision.
type OrderOutcome struct {
	CorrelationID string          `json:"correlation_id"`
	Status        OrderStatus     `json:"status"`
	OrderID       string          `json:"order_id"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Reason        string          `json:"reason,omitempty"`
}

// Notional is price*qty.
func (o OrderOutcome) Notional() decimal.Decimal {
	return o.Price.Mul(o.Qty)
}

// Validate checks the outcome report is usable.
func (o OrderOutcome) Validate() error {
	if o.CorrelationID == "" {
		return fmt.Errorf("order outcome correlation id is empty")
	}
	if _, err := ParseOrderStatus(string(o.Status)); err != nil {
		return err
	}
	if o.Price.IsNegative() || o.Qty.IsNegative() {
		return fmt.Errorf("order outcome price/qty must not be negative")
	}
	return nil
}
