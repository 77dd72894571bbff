package datamgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// Memory is the in-memory DataManager, used by tests and zero-dependency
// runs. All operations copy on the way in and out.
type Memory struct {
	mu sync.Mutex

	assets     map[string]*types.Assets                   // accountID
	positions  map[string]map[posKey]*types.Position      // accountID
	details    map[string]map[detailKey]*types.PositionDetail
	orders     map[string]map[dayKey][]*types.Order       // accountID → day
	trades     map[string]map[dayKey][]*types.Trade
	properties map[string]map[string]string
}

type posKey struct {
	code string
	dir  types.Direction
}

type detailKey struct {
	code  string
	dir   types.Direction
	price float64
}

type dayKey string

func toDayKey(t time.Time) dayKey { return dayKey(t.Format("2006-01-02")) }

// NewMemory creates an empty in-memory data manager.
func NewMemory() *Memory {
	return &Memory{
		assets:     make(map[string]*types.Assets),
		positions:  make(map[string]map[posKey]*types.Position),
		details:    make(map[string]map[detailKey]*types.PositionDetail),
		orders:     make(map[string]map[dayKey][]*types.Order),
		trades:     make(map[string]map[dayKey][]*types.Trade),
		properties: make(map[string]map[string]string),
	}
}

func (m *Memory) SaveAssets(_ context.Context, a *types.Assets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.AccountID] = a.Clone()
	return nil
}

func (m *Memory) QueryAssets(_ context.Context, accountID string) (*types.Assets, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.assets[accountID]; ok {
		return a.Clone(), nil
	}
	return nil, nil
}

func (m *Memory) DeleteAssets(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[accountID]; !ok {
		return 0, nil
	}
	delete(m.assets, accountID)
	return 1, nil
}

func (m *Memory) SavePosition(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAccount, ok := m.positions[p.AccountID]
	if !ok {
		byAccount = make(map[posKey]*types.Position)
		m.positions[p.AccountID] = byAccount
	}
	byAccount[posKey{p.Code, p.Direction}] = p.Clone()
	return nil
}

func (m *Memory) QueryPositions(_ context.Context, accountID, code string, dir types.Direction) ([]*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Position
	for key, p := range m.positions[accountID] {
		if code != "" && key.code != code {
			continue
		}
		if dir != "" && key.dir != dir {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Direction < out[j].Direction
	})
	return out, nil
}

func (m *Memory) DeletePositions(_ context.Context, accountID, code string, dir types.Direction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.positions[accountID] {
		if code != "" && key.code != code {
			continue
		}
		if dir != "" && key.dir != dir {
			continue
		}
		delete(m.positions[accountID], key)
		n++
	}
	return n, nil
}

func (m *Memory) SavePositionDetail(_ context.Context, d *types.PositionDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAccount, ok := m.details[d.AccountID]
	if !ok {
		byAccount = make(map[detailKey]*types.PositionDetail)
		m.details[d.AccountID] = byAccount
	}
	byAccount[detailKey{d.Code, d.Direction, d.Price}] = d.Clone()
	return nil
}

func (m *Memory) QueryPositionDetails(_ context.Context, accountID, code string, dir types.Direction) ([]*types.PositionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.PositionDetail
	for key, d := range m.details[accountID] {
		if code != "" && key.code != code {
			continue
		}
		if dir != "" && key.dir != dir {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Price < out[j].Price
	})
	return out, nil
}

func (m *Memory) DeletePositionDetail(_ context.Context, accountID, code string, dir types.Direction, price float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := detailKey{code, dir, price}
	if _, ok := m.details[accountID][key]; !ok {
		return 0, nil
	}
	delete(m.details[accountID], key)
	return 1, nil
}

func (m *Memory) DeletePositionDetails(_ context.Context, accountID, code string, dir types.Direction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.details[accountID] {
		if code != "" && key.code != code {
			continue
		}
		if dir != "" && key.dir != dir {
			continue
		}
		delete(m.details[accountID], key)
		n++
	}
	return n, nil
}

func (m *Memory) SaveOrder(_ context.Context, tradingDay time.Time, o *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay, ok := m.orders[o.AccountID]
	if !ok {
		byDay = make(map[dayKey][]*types.Order)
		m.orders[o.AccountID] = byDay
	}
	day := toDayKey(tradingDay)
	for i, existing := range byDay[day] {
		if existing.OrderID == o.OrderID {
			byDay[day][i] = o.Clone()
			return nil
		}
	}
	byDay[day] = append(byDay[day], o.Clone())
	return nil
}

func (m *Memory) QueryOrders(_ context.Context, accountID string, tradingDay time.Time, code string, status types.OrderStatus) ([]*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Order
	for day, orders := range m.orders[accountID] {
		if !tradingDay.IsZero() && day != toDayKey(tradingDay) {
			continue
		}
		for _, o := range orders {
			if code != "" && o.Code != code {
				continue
			}
			if status != "" && o.Status != status {
				continue
			}
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (m *Memory) DeleteOrders(_ context.Context, accountID string, tradingDay time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for day, orders := range m.orders[accountID] {
		if !tradingDay.IsZero() && day != toDayKey(tradingDay) {
			continue
		}
		n += int64(len(orders))
		delete(m.orders[accountID], day)
	}
	return n, nil
}

func (m *Memory) SaveTrade(_ context.Context, tradingDay time.Time, t *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay, ok := m.trades[t.AccountID]
	if !ok {
		byDay = make(map[dayKey][]*types.Trade)
		m.trades[t.AccountID] = byDay
	}
	day := toDayKey(tradingDay)
	for i, existing := range byDay[day] {
		if existing.TradeID == t.TradeID {
			byDay[day][i] = t.Clone()
			return nil
		}
	}
	byDay[day] = append(byDay[day], t.Clone())
	return nil
}

func (m *Memory) QueryTrades(_ context.Context, accountID string, tradingDay time.Time, code, orderID string) ([]*types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Trade
	for day, trades := range m.trades[accountID] {
		if !tradingDay.IsZero() && day != toDayKey(tradingDay) {
			continue
		}
		for _, t := range trades {
			if code != "" && t.Code != code {
				continue
			}
			if orderID != "" && t.OrderID != orderID {
				continue
			}
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *Memory) DeleteTrades(_ context.Context, accountID string, tradingDay time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for day, trades := range m.trades[accountID] {
		if !tradingDay.IsZero() && day != toDayKey(tradingDay) {
			continue
		}
		n += int64(len(trades))
		delete(m.trades[accountID], day)
	}
	return n, nil
}

func (m *Memory) QueryTradingDays(_ context.Context, accountID string) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[dayKey]struct{})
	for day := range m.orders[accountID] {
		seen[day] = struct{}{}
	}
	for day := range m.trades[accountID] {
		seen[day] = struct{}{}
	}
	out := make([]time.Time, 0, len(seen))
	for day := range seen {
		t, err := time.Parse("2006-01-02", string(day))
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) SaveProperty(_ context.Context, accountID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	props, ok := m.properties[accountID]
	if !ok {
		props = make(map[string]string)
		m.properties[accountID] = props
	}
	props[key] = value
	return nil
}

func (m *Memory) QueryProperty(_ context.Context, accountID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.properties[accountID][key], nil
}

func (m *Memory) QueryPropertyOrDefault(ctx context.Context, accountID, key, def string) (string, error) {
	v, err := m.QueryProperty(ctx, accountID, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

func (m *Memory) QueryPropertyOrPut(ctx context.Context, accountID, key, def string) (string, error) {
	m.mu.Lock()
	props, ok := m.properties[accountID]
	if !ok {
		props = make(map[string]string)
		m.properties[accountID] = props
	}
	if v, ok := props[key]; ok && v != "" {
		m.mu.Unlock()
		return v, nil
	}
	props[key] = def
	m.mu.Unlock()
	return def, nil
}

var _ DataManager = (*Memory)(nil)
