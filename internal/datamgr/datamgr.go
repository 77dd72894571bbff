// Package datamgr defines the narrow persistence port behind the SEP overlay
// and the façade's restore-on-connect path.
//
// The port is CRUD over the persisted entities: Assets and Positions survive
// across trading days; Orders and Trades are per-day and archived under the
// trading day they belong to. String filter parameters use "" for "any" and
// time filters use the zero time for "any". Deletes return affected-row
// counts. The storage engine behind the port is external — this package ships
// an in-memory implementation and a gorm/PostgreSQL one.
package datamgr

import (
	"context"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// DataManager is the persistence port.
type DataManager interface {
	// SaveAssets upserts the account's assets snapshot.
	SaveAssets(ctx context.Context, a *types.Assets) error
	// QueryAssets returns the account's assets, nil when none persisted.
	QueryAssets(ctx context.Context, accountID string) (*types.Assets, error)
	DeleteAssets(ctx context.Context, accountID string) (int64, error)

	// SavePosition upserts one (account, code, direction) position.
	SavePosition(ctx context.Context, p *types.Position) error
	QueryPositions(ctx context.Context, accountID, code string, dir types.Direction) ([]*types.Position, error)
	DeletePositions(ctx context.Context, accountID, code string, dir types.Direction) (int64, error)

	// SavePositionDetail upserts one price lot keyed by
	// (account, code, direction, price).
	SavePositionDetail(ctx context.Context, d *types.PositionDetail) error
	QueryPositionDetails(ctx context.Context, accountID, code string, dir types.Direction) ([]*types.PositionDetail, error)
	// DeletePositionDetail removes one exhausted lot.
	DeletePositionDetail(ctx context.Context, accountID, code string, dir types.Direction, price float64) (int64, error)
	DeletePositionDetails(ctx context.Context, accountID, code string, dir types.Direction) (int64, error)

	// SaveOrder upserts an order under its trading day.
	SaveOrder(ctx context.Context, tradingDay time.Time, o *types.Order) error
	QueryOrders(ctx context.Context, accountID string, tradingDay time.Time, code string, status types.OrderStatus) ([]*types.Order, error)
	DeleteOrders(ctx context.Context, accountID string, tradingDay time.Time) (int64, error)

	// SaveTrade appends a trade under its trading day.
	SaveTrade(ctx context.Context, tradingDay time.Time, t *types.Trade) error
	QueryTrades(ctx context.Context, accountID string, tradingDay time.Time, code, orderID string) ([]*types.Trade, error)
	DeleteTrades(ctx context.Context, accountID string, tradingDay time.Time) (int64, error)

	// QueryTradingDays lists the distinct trading days archived for an account.
	QueryTradingDays(ctx context.Context, accountID string) ([]time.Time, error)

	// Key-value property store, scoped per account.
	SaveProperty(ctx context.Context, accountID, key, value string) error
	// QueryProperty returns "" when the key is absent.
	QueryProperty(ctx context.Context, accountID, key string) (string, error)
	QueryPropertyOrDefault(ctx context.Context, accountID, key, def string) (string, error)
	// QueryPropertyOrPut returns the stored value, persisting def first when absent.
	QueryPropertyOrPut(ctx context.Context, accountID, key, def string) (string, error)
}
