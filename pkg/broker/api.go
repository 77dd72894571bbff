// Package broker defines the capability interface every adapter exposes.
//
// Concrete broker-wire adapters, the tick-matching simulator and the SEP
// virtual-account overlay all implement Api, so overlays can stack on any
// adapter by composition rather than inheritance. Blocking operations take a
// context.Context and long work must honor its cancellation.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/internal/bus"
	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// Error kinds shared across the façade. Wrap them with %w so callers can
// classify failures with errors.Is.
var (
	// ErrInvalidArgument marks malformed caller input: bad bar interval,
	// forbidden sub-account characters, unsupported order type.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPrecondition marks a valid request the current state rejects:
	// disabled instance, insufficient available cash, insufficient
	// closeable volume.
	ErrPrecondition = errors.New("precondition failed")

	// ErrNotFound marks a reference to an unknown entity, e.g. cancelling
	// an order id the adapter never saw.
	ErrNotFound = errors.New("not found")
)

// Api is the unified brokerage trading façade.
//
// Query operations take a useCache flag: true serves from the adapter's local
// state where possible, false forces a refresh from the backend (adapters
// without a backend treat both the same).
type Api interface {
	// Name identifies the adapter implementation, e.g. "sim" or "ctp".
	Name() string
	// Account is the funding account this instance trades.
	Account() string
	// SourceID uniquely identifies this adapter instance as an event emitter.
	SourceID() string
	// Bus is the event bus this adapter publishes on.
	Bus() *bus.Bus
	// Connected reports whether Connect has completed.
	Connected() bool

	Connect(ctx context.Context, extras map[string]string) error
	Close(ctx context.Context) error

	TradingDay(ctx context.Context) (time.Time, error)

	SubscribeTick(ctx context.Context, code string, extras map[string]string) error
	UnsubscribeTick(ctx context.Context, code string, extras map[string]string) error
	SubscribeTicks(ctx context.Context, codes []string, extras map[string]string) error
	UnsubscribeTicks(ctx context.Context, codes []string, extras map[string]string) error
	SubscribeAllTicks(ctx context.Context, extras map[string]string) error
	UnsubscribeAllTicks(ctx context.Context, extras map[string]string) error
	QueryTickSubscriptions(ctx context.Context, useCache bool) ([]string, error)

	QueryLastTick(ctx context.Context, code string, useCache bool) (*types.Tick, error)
	QuerySecurity(ctx context.Context, code string, useCache bool) (*types.Security, error)
	QueryAllSecurities(ctx context.Context, useCache bool) ([]*types.Security, error)

	QueryAssets(ctx context.Context, useCache bool) (*types.Assets, error)
	// QueryPosition returns nil when no position exists for (code, direction).
	QueryPosition(ctx context.Context, code string, dir types.Direction, useCache bool) (*types.Position, error)
	// QueryPositions filters by code; empty code means all.
	QueryPositions(ctx context.Context, code string, useCache bool) ([]*types.Position, error)
	QueryPositionDetails(ctx context.Context, code string, useCache bool) ([]*types.PositionDetail, error)

	QueryOrder(ctx context.Context, orderID string, useCache bool) (*types.Order, error)
	QueryOrders(ctx context.Context, code string, onlyUnfinished bool, useCache bool) ([]*types.Order, error)
	QueryTrade(ctx context.Context, tradeID string, useCache bool) (*types.Trade, error)
	QueryTrades(ctx context.Context, code string, orderID string, useCache bool) ([]*types.Trade, error)

	// InsertOrder submits an order. Validation failures that are fatal to the
	// caller return an error; simulator-internal rejections return an Order
	// with Status == ERROR and no error. minVolume only applies to FAK.
	InsertOrder(ctx context.Context, code string, price float64, volume int,
		dir types.Direction, offset types.Offset, orderType types.OrderType,
		minVolume int, extras map[string]string) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID string, extras map[string]string) error
	CancelAllOrders(ctx context.Context, extras map[string]string) error

	// PrepareFeeCalculation warms the fee/margin schedule for codes
	// (nil codes = every known instrument).
	PrepareFeeCalculation(ctx context.Context, codes []string, extras map[string]string) error
	// CalculatePosition fills Value, AvgOpenPrice, LastPrice and PnL in place.
	CalculatePosition(ctx context.Context, p *types.Position, extras map[string]string) error
	// CalculateOrder fills AvgFillPrice and FrozenCash in place; it does not set Commission.
	CalculateOrder(ctx context.Context, o *types.Order, extras map[string]string) error
	// CalculateTrade fills Turnover and Commission in place.
	CalculateTrade(ctx context.Context, t *types.Trade, extras map[string]string) error

	CustomRequest(method string, params map[string]string) (string, error)
	CustomSuspendRequest(ctx context.Context, method string, params map[string]string) (string, error)
}
