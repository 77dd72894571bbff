package datamgr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// GormStore is the PostgreSQL-backed DataManager.
type GormStore struct {
	db *gorm.DB
}

// assetsRow mirrors types.Assets; one row per account.
type assetsRow struct {
	AccountID       string    `gorm:"primaryKey;size:64"`
	TradingDay      time.Time
	Total           float64
	Available       float64
	PositionValue   float64
	PositionPnL     float64
	FrozenByOrder   float64
	TodayCommission float64
	InitialCash     float64
	TotalClosePnL   float64
	TotalCommission float64
}

func (assetsRow) TableName() string { return "broker_assets" }

type positionRow struct {
	AccountID         string `gorm:"primaryKey;size:64"`
	Code              string `gorm:"primaryKey;size:32"`
	Direction         string `gorm:"primaryKey;size:8"`
	PreVolume         int
	Volume            int
	TodayVolume       int
	FrozenVolume      int
	FrozenTodayVolume int
	TodayOpenVolume   int
	TodayCloseVolume  int
	TodayCommission   float64
	OpenCost          float64
}

func (positionRow) TableName() string { return "broker_positions" }

type positionDetailRow struct {
	AccountID   string  `gorm:"primaryKey;size:64"`
	Code        string  `gorm:"primaryKey;size:32"`
	Direction   string  `gorm:"primaryKey;size:8"`
	Price       float64 `gorm:"primaryKey"`
	Volume      int
	TodayVolume int
	UpdateTime  time.Time
}

func (positionDetailRow) TableName() string { return "broker_position_details" }

type orderRow struct {
	AccountID    string    `gorm:"primaryKey;size:64"`
	OrderID      string    `gorm:"primaryKey;size:64"`
	TradingDay   time.Time `gorm:"index"`
	Code         string    `gorm:"size:32;index"`
	Price        float64
	Volume       int
	Direction    string `gorm:"size:8"`
	Offset       string `gorm:"size:16"`
	OrderType    string `gorm:"size:8"`
	Status       string `gorm:"size:18;index"`
	StatusMsg    string
	FilledVolume int
	Turnover     float64
	AvgFillPrice float64
	FrozenCash   float64
	Commission   float64
	CreateTime   time.Time
	UpdateTime   time.Time
	Extras       string // JSON-encoded annotation map, "" when absent
}

func (orderRow) TableName() string { return "broker_orders" }

type tradeRow struct {
	AccountID  string    `gorm:"primaryKey;size:64"`
	TradeID    string    `gorm:"primaryKey;size:64"`
	TradingDay time.Time `gorm:"index"`
	OrderID    string    `gorm:"size:64;index"`
	Code       string    `gorm:"size:32;index"`
	Price      float64
	Volume     int
	Turnover   float64
	Commission float64
	Direction  string `gorm:"size:8"`
	Offset     string `gorm:"size:16"`
	Time       time.Time
}

func (tradeRow) TableName() string { return "broker_trades" }

type propertyRow struct {
	AccountID string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"primaryKey;size:64;column:prop_key"`
	Value     string `gorm:"column:prop_value"`
}

func (propertyRow) TableName() string { return "broker_properties" }

// OpenGorm connects to PostgreSQL and migrates the schema.
func OpenGorm(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(
		&assetsRow{}, &positionRow{}, &positionDetailRow{},
		&orderRow{}, &tradeRow{}, &propertyRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) SaveAssets(ctx context.Context, a *types.Assets) error {
	row := assetsRow{
		AccountID: a.AccountID, TradingDay: a.TradingDay,
		Total: a.Total, Available: a.Available,
		PositionValue: a.PositionValue, PositionPnL: a.PositionPnL,
		FrozenByOrder: a.FrozenByOrder, TodayCommission: a.TodayCommission,
		InitialCash: a.InitialCash, TotalClosePnL: a.TotalClosePnL,
		TotalCommission: a.TotalCommission,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (g *GormStore) QueryAssets(ctx context.Context, accountID string) (*types.Assets, error) {
	var row assetsRow
	err := g.db.WithContext(ctx).First(&row, "account_id = ?", accountID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &types.Assets{
		AccountID: row.AccountID, TradingDay: row.TradingDay,
		Total: row.Total, Available: row.Available,
		PositionValue: row.PositionValue, PositionPnL: row.PositionPnL,
		FrozenByOrder: row.FrozenByOrder, TodayCommission: row.TodayCommission,
		InitialCash: row.InitialCash, TotalClosePnL: row.TotalClosePnL,
		TotalCommission: row.TotalCommission,
	}, nil
}

func (g *GormStore) DeleteAssets(ctx context.Context, accountID string) (int64, error) {
	res := g.db.WithContext(ctx).Delete(&assetsRow{}, "account_id = ?", accountID)
	return res.RowsAffected, res.Error
}

func (g *GormStore) SavePosition(ctx context.Context, p *types.Position) error {
	row := positionRow{
		AccountID: p.AccountID, Code: p.Code, Direction: string(p.Direction),
		PreVolume: p.PreVolume, Volume: p.Volume, TodayVolume: p.TodayVolume,
		FrozenVolume: p.FrozenVolume, FrozenTodayVolume: p.FrozenTodayVolume,
		TodayOpenVolume: p.TodayOpenVolume, TodayCloseVolume: p.TodayCloseVolume,
		TodayCommission: p.TodayCommission, OpenCost: p.OpenCost,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (g *GormStore) QueryPositions(ctx context.Context, accountID, code string, dir types.Direction) ([]*types.Position, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if code != "" {
		q = q.Where("code = ?", code)
	}
	if dir != "" {
		q = q.Where("direction = ?", string(dir))
	}
	var rows []positionRow
	if err := q.Order("code, direction").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.Position{
			AccountID: r.AccountID, Code: r.Code, Direction: types.Direction(r.Direction),
			PreVolume: r.PreVolume, Volume: r.Volume, TodayVolume: r.TodayVolume,
			FrozenVolume: r.FrozenVolume, FrozenTodayVolume: r.FrozenTodayVolume,
			TodayOpenVolume: r.TodayOpenVolume, TodayCloseVolume: r.TodayCloseVolume,
			TodayCommission: r.TodayCommission, OpenCost: r.OpenCost,
		})
	}
	return out, nil
}

func (g *GormStore) DeletePositions(ctx context.Context, accountID, code string, dir types.Direction) (int64, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if code != "" {
		q = q.Where("code = ?", code)
	}
	if dir != "" {
		q = q.Where("direction = ?", string(dir))
	}
	res := q.Delete(&positionRow{})
	return res.RowsAffected, res.Error
}

func (g *GormStore) SavePositionDetail(ctx context.Context, d *types.PositionDetail) error {
	row := positionDetailRow{
		AccountID: d.AccountID, Code: d.Code, Direction: string(d.Direction),
		Price: d.Price, Volume: d.Volume, TodayVolume: d.TodayVolume,
		UpdateTime: d.UpdateTime,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (g *GormStore) QueryPositionDetails(ctx context.Context, accountID, code string, dir types.Direction) ([]*types.PositionDetail, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if code != "" {
		q = q.Where("code = ?", code)
	}
	if dir != "" {
		q = q.Where("direction = ?", string(dir))
	}
	var rows []positionDetailRow
	if err := q.Order("code, direction, price").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.PositionDetail, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.PositionDetail{
			AccountID: r.AccountID, Code: r.Code, Direction: types.Direction(r.Direction),
			Price: r.Price, Volume: r.Volume, TodayVolume: r.TodayVolume,
			UpdateTime: r.UpdateTime,
		})
	}
	return out, nil
}

func (g *GormStore) DeletePositionDetail(ctx context.Context, accountID, code string, dir types.Direction, price float64) (int64, error) {
	res := g.db.WithContext(ctx).
		Where("account_id = ? AND code = ? AND direction = ? AND price = ?", accountID, code, string(dir), price).
		Delete(&positionDetailRow{})
	return res.RowsAffected, res.Error
}

func (g *GormStore) DeletePositionDetails(ctx context.Context, accountID, code string, dir types.Direction) (int64, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if code != "" {
		q = q.Where("code = ?", code)
	}
	if dir != "" {
		q = q.Where("direction = ?", string(dir))
	}
	res := q.Delete(&positionDetailRow{})
	return res.RowsAffected, res.Error
}

func (g *GormStore) SaveOrder(ctx context.Context, tradingDay time.Time, o *types.Order) error {
	extras := ""
	if len(o.Extras) > 0 {
		raw, err := json.Marshal(o.Extras)
		if err != nil {
			return fmt.Errorf("encode order extras: %w", err)
		}
		extras = string(raw)
	}
	row := orderRow{
		AccountID: o.AccountID, OrderID: o.OrderID, TradingDay: tradingDay,
		Code: o.Code, Price: o.Price, Volume: o.Volume,
		Direction: string(o.Direction), Offset: string(o.Offset), OrderType: string(o.OrderType),
		Status: string(o.Status), StatusMsg: o.StatusMsg,
		FilledVolume: o.FilledVolume, Turnover: o.Turnover, AvgFillPrice: o.AvgFillPrice,
		FrozenCash: o.FrozenCash, Commission: o.Commission,
		CreateTime: o.CreateTime, UpdateTime: o.UpdateTime,
		Extras: extras,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (g *GormStore) QueryOrders(ctx context.Context, accountID string, tradingDay time.Time, code string, status types.OrderStatus) ([]*types.Order, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !tradingDay.IsZero() {
		q = q.Where("trading_day = ?", tradingDay)
	}
	if code != "" {
		q = q.Where("code = ?", code)
	}
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []orderRow
	if err := q.Order("create_time").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Order, 0, len(rows))
	for _, r := range rows {
		o := &types.Order{
			AccountID: r.AccountID, OrderID: r.OrderID, Code: r.Code,
			Price: r.Price, Volume: r.Volume,
			Direction: types.Direction(r.Direction), Offset: types.Offset(r.Offset),
			OrderType: types.OrderType(r.OrderType),
			Status:    types.OrderStatus(r.Status), StatusMsg: r.StatusMsg,
			FilledVolume: r.FilledVolume, Turnover: r.Turnover, AvgFillPrice: r.AvgFillPrice,
			FrozenCash: r.FrozenCash, Commission: r.Commission,
			CreateTime: r.CreateTime, UpdateTime: r.UpdateTime,
		}
		if r.Extras != "" {
			if err := json.Unmarshal([]byte(r.Extras), &o.Extras); err != nil {
				return nil, fmt.Errorf("decode order extras: %w", err)
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func (g *GormStore) DeleteOrders(ctx context.Context, accountID string, tradingDay time.Time) (int64, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !tradingDay.IsZero() {
		q = q.Where("trading_day = ?", tradingDay)
	}
	res := q.Delete(&orderRow{})
	return res.RowsAffected, res.Error
}

func (g *GormStore) SaveTrade(ctx context.Context, tradingDay time.Time, t *types.Trade) error {
	row := tradeRow{
		AccountID: t.AccountID, TradeID: t.TradeID, TradingDay: tradingDay,
		OrderID: t.OrderID, Code: t.Code, Price: t.Price, Volume: t.Volume,
		Turnover: t.Turnover, Commission: t.Commission,
		Direction: string(t.Direction), Offset: string(t.Offset), Time: t.Time,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (g *GormStore) QueryTrades(ctx context.Context, accountID string, tradingDay time.Time, code, orderID string) ([]*types.Trade, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !tradingDay.IsZero() {
		q = q.Where("trading_day = ?", tradingDay)
	}
	if code != "" {
		q = q.Where("code = ?", code)
	}
	if orderID != "" {
		q = q.Where("order_id = ?", orderID)
	}
	var rows []tradeRow
	if err := q.Order("time").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.Trade{
			AccountID: r.AccountID, TradeID: r.TradeID, OrderID: r.OrderID,
			Code: r.Code, Price: r.Price, Volume: r.Volume,
			Turnover: r.Turnover, Commission: r.Commission,
			Direction: types.Direction(r.Direction), Offset: types.Offset(r.Offset),
			Time: r.Time,
		})
	}
	return out, nil
}

func (g *GormStore) DeleteTrades(ctx context.Context, accountID string, tradingDay time.Time) (int64, error) {
	q := g.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !tradingDay.IsZero() {
		q = q.Where("trading_day = ?", tradingDay)
	}
	res := q.Delete(&tradeRow{})
	return res.RowsAffected, res.Error
}

func (g *GormStore) QueryTradingDays(ctx context.Context, accountID string) ([]time.Time, error) {
	var days []time.Time
	err := g.db.WithContext(ctx).Model(&orderRow{}).
		Where("account_id = ?", accountID).
		Distinct("trading_day").
		Order("trading_day").
		Pluck("trading_day", &days).Error
	if err != nil {
		return nil, err
	}
	return days, nil
}

func (g *GormStore) SaveProperty(ctx context.Context, accountID, key, value string) error {
	row := propertyRow{AccountID: accountID, Key: key, Value: value}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (g *GormStore) QueryProperty(ctx context.Context, accountID, key string) (string, error) {
	var row propertyRow
	err := g.db.WithContext(ctx).First(&row, "account_id = ? AND prop_key = ?", accountID, key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

func (g *GormStore) QueryPropertyOrDefault(ctx context.Context, accountID, key, def string) (string, error) {
	v, err := g.QueryProperty(ctx, accountID, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

func (g *GormStore) QueryPropertyOrPut(ctx context.Context, accountID, key, def string) (string, error) {
	v, err := g.QueryProperty(ctx, accountID, key)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	if err := g.SaveProperty(ctx, accountID, key, def); err != nil {
		return "", err
	}
	return def, nil
}

var _ DataManager = (*GormStore)(nil)
