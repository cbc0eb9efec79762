// Package broker abstracts live order routing. The execution engine talks
// to a Broker when it is not matching orders internally: submit, then poll
// OrderStatus from the matcher tick until the order reaches a terminal
// state, and feed the resulting fill through the same post-fill pipeline
// as simulated matching.
package broker

import (
	"context"
	"errors"
	"time"

	"tradeflow/pkg/types"
)

// ErrOrderNotFound is returned by OrderStatus for an unknown broker order id.
var ErrOrderNotFound = errors.New("broker: order not found")

// Fill is the cumulative execution state of a routed order.
type Fill struct {
	FilledQty float64
	AvgPrice  float64
	FilledAt  time.Time
}

// Broker routes orders to an external venue.
//
// SubmitOrder returns the venue's order id, which all later calls key on.
// OrderStatus reports the cumulative fill so far and whether the order has
// reached a terminal state (filled, cancelled, rejected or expired).
type Broker interface {
	SubmitOrder(ctx context.Context, order types.Order) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OrderStatus(ctx context.Context, brokerOrderID string) (Fill, bool, error)
}
