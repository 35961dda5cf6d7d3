// Package ordersaga is the reference "order" saga: CreateOrder,
// ReserveInventory and ChargePayment over simulated services.
package ordersaga

import (
	"context"
	"errors"

	"github.com/fortressi/saga"
)

const Type saga.SagaType = "order"

const (
	StepCreateOrder      saga.StepName = "CreateOrder"
	StepReserveInventory saga.StepName = "ReserveInventory"
	StepChargePayment    saga.StepName = "ChargePayment"
)

// Context keys.
const (
	KeyRequestID     = "request_id"
	KeyCustomerID    = "customer_id"
	KeySKU           = "sku"
	KeyQuantity      = "quantity"
	KeyAmountCents   = "amount_cents"
	KeyLimitCents    = "limit_cents"
	KeyOrderID       = "order_id"
	KeyReservationID = "reservation_id"
	KeyPaymentID     = "payment_id"
)

type Request struct {
	RequestID   string
	CustomerID  string
	SKU         string
	Quantity    int
	AmountCents int64
	// LimitCents declines charges above it when positive.
	LimitCents int64
}

func (r Request) Context() (*saga.Context, error) {
	return saga.ContextFrom(map[string]any{
		KeyRequestID:   r.RequestID,
		KeyCustomerID:  r.CustomerID,
		KeySKU:         r.SKU,
		KeyQuantity:    r.Quantity,
		KeyAmountCents: r.AmountCents,
		KeyLimitCents:  r.LimitCents,
	})
}

func Definition(svc *Services) *saga.Definition {
	return saga.MustDefinition(Type,
		saga.NewStep(StepCreateOrder, createOrder(svc), cancelOrder(svc)),
		saga.NewStep(StepReserveInventory, reserveInventory(svc), releaseInventory(svc)),
		saga.NewStep(StepChargePayment, chargePayment(svc), refundPayment(svc)),
	)
}

func createOrder(svc *Services) saga.ExecuteFunc {
	return func(_ context.Context, sc *saga.Context) error {
		key, err := saga.Lookup[string](sc, KeyRequestID)
		if err != nil {
			return saga.Permanent(err)
		}
		customer, _ := saga.Lookup[string](sc, KeyCustomerID)
		id, err := svc.CreateOrder(key, customer)
		if err != nil {
			return err
		}
		return sc.Set(KeyOrderID, id)
	}
}

// cancelOrder is a no-op when the order was never created.
func cancelOrder(svc *Services) saga.CompensateFunc {
	return func(_ context.Context, sc *saga.Context) error {
		id, err := saga.Lookup[string](sc, KeyOrderID)
		if errors.Is(err, saga.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return svc.CancelOrder(id)
	}
}

func reserveInventory(svc *Services) saga.ExecuteFunc {
	return func(_ context.Context, sc *saga.Context) error {
		orderID, err := saga.Lookup[string](sc, KeyOrderID)
		if err != nil {
			return saga.Permanent(err)
		}
		sku, err := saga.Lookup[string](sc, KeySKU)
		if err != nil {
			return saga.Permanent(err)
		}
		qty, err := saga.Lookup[int](sc, KeyQuantity)
		if err != nil {
			return saga.Permanent(err)
		}
		id, err := svc.ReserveInventory(orderID, sku, qty)
		if errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrUnknownOrder) {
			return saga.Permanent(err)
		}
		if err != nil {
			return err
		}
		return sc.Set(KeyReservationID, id)
	}
}

func releaseInventory(svc *Services) saga.CompensateFunc {
	return func(_ context.Context, sc *saga.Context) error {
		id, err := saga.Lookup[string](sc, KeyReservationID)
		if errors.Is(err, saga.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return svc.ReleaseInventory(id)
	}
}

func chargePayment(svc *Services) saga.ExecuteFunc {
	return func(_ context.Context, sc *saga.Context) error {
		orderID, err := saga.Lookup[string](sc, KeyOrderID)
		if err != nil {
			return saga.Permanent(err)
		}
		amount, err := saga.Lookup[int64](sc, KeyAmountCents)
		if err != nil {
			return saga.Permanent(err)
		}
		limit, _ := saga.Lookup[int64](sc, KeyLimitCents)
		id, err := svc.ChargePayment(orderID, amount, limit)
		if errors.Is(err, ErrPaymentDeclined) {
			return saga.Permanent(err)
		}
		if err != nil {
			return err
		}
		return sc.Set(KeyPaymentID, id)
	}
}

func refundPayment(svc *Services) saga.CompensateFunc {
	return func(_ context.Context, sc *saga.Context) error {
		id, err := saga.Lookup[string](sc, KeyPaymentID)
		if errors.Is(err, saga.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return svc.RefundPayment(id)
	}
}
