package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

// MockStore is a hand-rolled in-memory fake for executor, engine and API
// tests. Set the Err fields to inject failures, read Calls to assert how
// often each method ran, and touch the exported slices to seed or inspect
// state. Safe for concurrent use.
type MockStore struct {
	mu     sync.Mutex
	nextID int64

	Orders    []models.Order
	Positions []models.Position
	Trades    []models.Trade
	Daily     []models.DailyPnL
	Signals   []models.SignalRecord

	SaveOrderErr            error
	SavePositionErr         error
	UpdatePositionErr       error
	SaveTradeErr            error
	UpsertDailyErr          error
	SaveSignalErr           error
	GetOrderErr             error
	GetOrdersBySymbolErr    error
	GetOpenPositionsErr     error
	GetPositionsBySymbolErr error
	GetPositionErr          error
	PingErr                 error

	Calls map[string]int
}

// NewMockStore returns an empty mock with ids starting at 1.
func NewMockStore() *MockStore {
	return &MockStore{nextID: 1, Calls: make(map[string]int)}
}

func (m *MockStore) count(method string) {
	m.Calls[method]++
}

// SeedPosition inserts a position directly, bypassing validation. Returns the
// assigned id.
func (m *MockStore) SeedPosition(p models.Position) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.nextID
		m.nextID++
	} else if p.ID >= m.nextID {
		m.nextID = p.ID + 1
	}
	m.Positions = append(m.Positions, p)
	return p.ID
}

// SeedOrder inserts an order directly, bypassing validation. Returns the
// assigned id.
func (m *MockStore) SeedOrder(o models.Order) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.DatabaseID == 0 {
		o.DatabaseID = m.nextID
		m.nextID++
	} else if o.DatabaseID >= m.nextID {
		m.nextID = o.DatabaseID + 1
	}
	m.Orders = append(m.Orders, o)
	return o.DatabaseID
}

func (m *MockStore) SaveOrder(ctx context.Context, order *models.Order) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SaveOrder")
	if m.SaveOrderErr != nil {
		return 0, m.SaveOrderErr
	}
	if err := validateOrder(order); err != nil {
		return 0, err
	}
	row := *order
	row.DatabaseID = m.nextID
	m.nextID++
	m.Orders = append(m.Orders, row)
	order.DatabaseID = row.DatabaseID
	return row.DatabaseID, nil
}

func (m *MockStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetOrderByID")
	if m.GetOrderErr != nil {
		return nil, m.GetOrderErr
	}
	for i := range m.Orders {
		if m.Orders[i].DatabaseID == id {
			row := m.Orders[i]
			return &row, nil
		}
	}
	return nil, fmt.Errorf("fetching order %d: %w", id, ErrNotFound)
}

func (m *MockStore) GetOrdersBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetOrdersBySymbol")
	if m.GetOrdersBySymbolErr != nil {
		return nil, m.GetOrdersBySymbolErr
	}
	var out []models.Order
	for _, o := range m.Orders {
		if o.Symbol == symbol && o.Mode == mode {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStore) SavePosition(ctx context.Context, pos *models.Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SavePosition")
	if m.SavePositionErr != nil {
		return 0, m.SavePositionErr
	}
	if pos.ID != 0 {
		for i := range m.Positions {
			if m.Positions[i].ID == pos.ID {
				m.Positions[i] = *pos
				return pos.ID, nil
			}
		}
		return 0, fmt.Errorf("updating position %d: %w", pos.ID, ErrNotFound)
	}
	row := *pos
	row.ID = m.nextID
	m.nextID++
	m.Positions = append(m.Positions, row)
	pos.ID = row.ID
	return row.ID, nil
}

func (m *MockStore) UpdatePosition(ctx context.Context, id int64, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("UpdatePosition")
	if m.UpdatePositionErr != nil {
		return m.UpdatePositionErr
	}
	for i := range m.Positions {
		if m.Positions[i].ID == id {
			return applyPositionPatch(&m.Positions[i], patch)
		}
	}
	return fmt.Errorf("updating position %d: %w", id, ErrNotFound)
}

func (m *MockStore) GetOpenPositions(ctx context.Context, mode models.TradingMode) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetOpenPositions")
	if m.GetOpenPositionsErr != nil {
		return nil, m.GetOpenPositionsErr
	}
	var out []models.Position
	for _, p := range m.Positions {
		if p.IsOpen && p.Mode == mode {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (m *MockStore) GetPositionsBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetPositionsBySymbol")
	if m.GetPositionsBySymbolErr != nil {
		return nil, m.GetPositionsBySymbolErr
	}
	var out []models.Position
	for _, p := range m.Positions {
		if p.Symbol == symbol && p.Mode == mode {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (m *MockStore) GetPositionByID(ctx context.Context, id int64) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("GetPositionByID")
	if m.GetPositionErr != nil {
		return nil, m.GetPositionErr
	}
	for i := range m.Positions {
		if m.Positions[i].ID == id {
			row := m.Positions[i]
			return &row, nil
		}
	}
	return nil, fmt.Errorf("fetching position %d: %w", id, ErrNotFound)
}

func (m *MockStore) SaveTrade(ctx context.Context, trade *models.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SaveTrade")
	if m.SaveTradeErr != nil {
		return 0, m.SaveTradeErr
	}
	row := *trade
	row.ID = m.nextID
	m.nextID++
	m.Trades = append(m.Trades, row)
	trade.ID = row.ID
	return row.ID, nil
}

func (m *MockStore) UpsertDailyPnL(ctx context.Context, day *models.DailyPnL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("UpsertDailyPnL")
	if m.UpsertDailyErr != nil {
		return m.UpsertDailyErr
	}
	for i := range m.Daily {
		d := &m.Daily[i]
		if d.Date == day.Date && d.Strategy == day.Strategy && d.Mode == day.Mode {
			*d = *day
			return nil
		}
	}
	m.Daily = append(m.Daily, *day)
	return nil
}

func (m *MockStore) SaveSignal(ctx context.Context, sig *models.SignalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("SaveSignal")
	if m.SaveSignalErr != nil {
		return m.SaveSignalErr
	}
	row := *sig
	row.ID = m.nextID
	m.nextID++
	m.Signals = append(m.Signals, row)
	return nil
}

func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Ping")
	return m.PingErr
}

// OpenCount reports how many open positions the mock holds for a mode.
func (m *MockStore) OpenCount(mode models.TradingMode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.Positions {
		if p.IsOpen && p.Mode == mode {
			n++
		}
	}
	return n
}
