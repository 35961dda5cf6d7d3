package ordersaga

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrOutOfStock      = errors.New("insufficient stock")
	ErrPaymentDeclined = errors.New("payment declined")
	ErrUnavailable     = errors.New("service unavailable")
	ErrUnknownOrder    = errors.New("unknown order")
)

// faults injects failures per operation name. A remaining count of -1 fails
// forever.
type faults struct {
	mu        sync.Mutex
	remaining map[string]int
}

func (f *faults) set(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == nil {
		f.remaining = map[string]int{}
	}
	f.remaining[op] = n
}

func (f *faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.remaining[op]
	switch {
	case n == 0:
		return nil
	case n > 0:
		f.remaining[op] = n - 1
	}
	return fmt.Errorf("%s: %w", op, ErrUnavailable)
}

// Services simulates the order, inventory and payment services an order
// saga spans. Every operation is idempotent on its key.
type Services struct {
	faults

	mu           sync.Mutex
	trace        []string
	orders       map[string]*Order
	stock        map[string]int
	reservations map[string]*Reservation
	payments     map[string]*Payment
}

type Order struct {
	ID         string
	CustomerID string
	Cancelled  bool
}

type Reservation struct {
	ID       string
	OrderID  string
	SKU      string
	Quantity int
	Released bool
}

type Payment struct {
	ID          string
	OrderID     string
	AmountCents int64
	Refunded    bool
}

// Operation names, usable with FailNext and FailAlways.
const (
	OpCreateOrder      = "CreateOrder"
	OpCancelOrder      = "CancelOrder"
	OpReserveInventory = "ReserveInventory"
	OpReleaseInventory = "ReleaseInventory"
	OpChargePayment    = "ChargePayment"
	OpRefundPayment    = "RefundPayment"
)

func NewServices(stock map[string]int) *Services {
	s := &Services{
		orders:       map[string]*Order{},
		stock:        map[string]int{},
		reservations: map[string]*Reservation{},
		payments:     map[string]*Payment{},
	}
	for sku, n := range stock {
		s.stock[sku] = n
	}
	return s
}

// FailNext makes the next n calls of op fail with ErrUnavailable.
func (s *Services) FailNext(op string, n int) { s.faults.set(op, n) }

// FailAlways makes every call of op fail with ErrUnavailable.
func (s *Services) FailAlways(op string) { s.faults.set(op, -1) }

// Trace lists every operation call in order, failed ones included.
func (s *Services) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trace...)
}

func (s *Services) begin(op string) error {
	s.mu.Lock()
	s.trace = append(s.trace, op)
	s.mu.Unlock()
	return s.faults.check(op)
}

// CreateOrder returns the existing order for key if there is one.
func (s *Services) CreateOrder(key, customerID string) (string, error) {
	if err := s.begin(OpCreateOrder); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[key]; ok {
		return o.ID, nil
	}
	s.orders[key] = &Order{ID: key, CustomerID: customerID}
	return key, nil
}

func (s *Services) CancelOrder(orderID string) error {
	if err := s.begin(OpCancelOrder); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.Cancelled = true
	}
	return nil
}

func (s *Services) Order(orderID string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// ReserveInventory holds quantity units of sku for orderID. Reserving again
// for the same order returns the first reservation.
func (s *Services) ReserveInventory(orderID, sku string, quantity int) (string, error) {
	if err := s.begin(OpReserveInventory); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	for _, r := range s.reservations {
		if r.OrderID == orderID && !r.Released {
			return r.ID, nil
		}
	}
	if s.stock[sku] < quantity {
		return "", fmt.Errorf("%w: %s has %d, want %d", ErrOutOfStock, sku, s.stock[sku], quantity)
	}
	s.stock[sku] -= quantity
	id := uuid.NewString()
	s.reservations[id] = &Reservation{ID: id, OrderID: orderID, SKU: sku, Quantity: quantity}
	return id, nil
}

func (s *Services) ReleaseInventory(reservationID string) error {
	if err := s.begin(OpReleaseInventory); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok || r.Released {
		return nil
	}
	r.Released = true
	s.stock[r.SKU] += r.Quantity
	return nil
}

func (s *Services) Stock(sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[sku]
}

// ChargePayment captures amountCents for orderID. Amounts above limitCents
// are declined.
func (s *Services) ChargePayment(orderID string, amountCents, limitCents int64) (string, error) {
	if err := s.begin(OpChargePayment); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID && !p.Refunded {
			return p.ID, nil
		}
	}
	if limitCents > 0 && amountCents > limitCents {
		return "", fmt.Errorf("%w: %d over limit %d", ErrPaymentDeclined, amountCents, limitCents)
	}
	id := uuid.NewString()
	s.payments[id] = &Payment{ID: id, OrderID: orderID, AmountCents: amountCents}
	return id, nil
}

func (s *Services) RefundPayment(paymentID string) error {
	if err := s.begin(OpRefundPayment); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[paymentID]; ok {
		p.Refunded = true
	}
	return nil
}

// Captured sums the payments that were not refunded.
func (s *Services) Captured() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, p := range s.payments {
		if !p.Refunded {
			total += p.AmountCents
		}
	}
	return total
}
