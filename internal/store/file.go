package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
)

// fileData is the on-disk layout of the single-file store. Row ids are unique
// across tables; NextID is the shared counter.
type fileData struct {
	NextID    int64                 `json:"next_id"`
	Orders    []models.Order        `json:"orders"`
	Positions []models.Position     `json:"positions"`
	Trades    []models.Trade        `json:"trades"`
	DailyPnL  []models.DailyPnL     `json:"daily_pnl"`
	Signals   []models.SignalRecord `json:"signals"`
}

// FileStore persists trading state to a single JSON file. It exists for
// development and offline paper sessions where no remote row store is
// configured; saves are atomic (temp file + rename) so a crash mid-write
// never corrupts state.
type FileStore struct {
	mu   sync.RWMutex
	path string
	data fileData
}

// NewFileStore opens (or creates) the store file at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store file path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	s := &FileStore{path: path, data: fileData{NextID: 1}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading store file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("parsing store file %s: %w", s.path, err)
	}
	if s.data.NextID < 1 {
		s.data.NextID = 1
	}
	return nil
}

// save writes the full state atomically. Caller must hold the write lock.
func (s *FileStore) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}

func (s *FileStore) nextID() int64 {
	id := s.data.NextID
	s.data.NextID++
	return id
}

// SaveOrder validates and appends one order row. SELL orders are checked
// against open quantity for the symbol and mode, same as the remote store.
func (s *FileStore) SaveOrder(ctx context.Context, order *models.Order) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateOrder(order); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.Side == models.SideSell {
		open := s.openPositionsLocked(order.Mode)
		if err := checkSellAgainstOpen(order, open); err != nil {
			return 0, err
		}
	}

	row := *order
	row.DatabaseID = s.nextID()
	row.Price = clampFinite(row.Price)
	row.FilledPrice = clampFinite(row.FilledPrice)
	if row.SignalData != nil {
		row.SignalData = sanitizeAny(row.SignalData).(map[string]any)
	}
	s.data.Orders = append(s.data.Orders, row)

	if err := s.save(); err != nil {
		s.data.Orders = s.data.Orders[:len(s.data.Orders)-1]
		return 0, err
	}
	order.DatabaseID = row.DatabaseID
	return row.DatabaseID, nil
}

// GetOrderByID fetches one order row.
func (s *FileStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.data.Orders {
		if s.data.Orders[i].DatabaseID == id {
			row := s.data.Orders[i]
			return &row, nil
		}
	}
	return nil, fmt.Errorf("fetching order %d: %w", id, ErrNotFound)
}

// GetOrdersBySymbol returns all orders for a symbol in one mode, oldest first.
func (s *FileStore) GetOrdersBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	for _, o := range s.data.Orders {
		if o.Symbol == symbol && o.Mode == mode {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SavePosition appends a new position row or rewrites an existing one.
func (s *FileStore) SavePosition(ctx context.Context, pos *models.Position) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if pos == nil {
		return 0, fmt.Errorf("%w: position is nil", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.ID != 0 {
		for i := range s.data.Positions {
			if s.data.Positions[i].ID == pos.ID {
				prev := s.data.Positions[i]
				s.data.Positions[i] = clampPosition(*pos)
				if err := s.save(); err != nil {
					s.data.Positions[i] = prev
					return 0, err
				}
				return pos.ID, nil
			}
		}
		return 0, fmt.Errorf("updating position %d: %w", pos.ID, ErrNotFound)
	}

	if err := validateNewPosition(pos); err != nil {
		return 0, err
	}
	row := clampPosition(*pos)
	row.ID = s.nextID()
	s.data.Positions = append(s.data.Positions, row)
	if err := s.save(); err != nil {
		s.data.Positions = s.data.Positions[:len(s.data.Positions)-1]
		return 0, err
	}
	pos.ID = row.ID
	return row.ID, nil
}

// UpdatePosition applies a partial update to one position row.
func (s *FileStore) UpdatePosition(ctx context.Context, id int64, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == 0 {
		return fmt.Errorf("%w: position id is required for update", ErrValidation)
	}
	if len(patch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Positions {
		if s.data.Positions[i].ID == id {
			prev := s.data.Positions[i]
			if err := applyPositionPatch(&s.data.Positions[i], patch); err != nil {
				s.data.Positions[i] = prev
				return fmt.Errorf("updating position %d: %w", id, err)
			}
			if err := s.save(); err != nil {
				s.data.Positions[i] = prev
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("updating position %d: %w", id, ErrNotFound)
}

// GetOpenPositions returns open positions for a mode ordered by entry time.
func (s *FileStore) GetOpenPositions(ctx context.Context, mode models.TradingMode) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.openPositionsLocked(mode)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (s *FileStore) openPositionsLocked(mode models.TradingMode) []models.Position {
	var out []models.Position
	for _, p := range s.data.Positions {
		if p.IsOpen && p.Mode == mode {
			out = append(out, p)
		}
	}
	return out
}

// GetPositionsBySymbol returns every position row for a symbol and mode, open
// and closed, ordered by entry time.
func (s *FileStore) GetPositionsBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.data.Positions {
		if p.Symbol == symbol && p.Mode == mode {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

// GetPositionByID fetches one position row.
func (s *FileStore) GetPositionByID(ctx context.Context, id int64) (*models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.data.Positions {
		if s.data.Positions[i].ID == id {
			row := s.data.Positions[i]
			return &row, nil
		}
	}
	return nil, fmt.Errorf("fetching position %d: %w", id, ErrNotFound)
}

// SaveTrade appends one completed round-trip row.
func (s *FileStore) SaveTrade(ctx context.Context, trade *models.Trade) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if trade == nil || trade.Symbol == "" {
		return 0, fmt.Errorf("%w: trade symbol is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := *trade
	row.ID = s.nextID()
	row.EntryPrice = clampFinite(row.EntryPrice)
	row.ExitPrice = clampFinite(row.ExitPrice)
	row.PnL = clampFinite(row.PnL)
	row.PnLPercent = clampFinite(row.PnLPercent)
	row.HoldMinutes = clampFinite(row.HoldMinutes)
	row.Fees = clampFinite(row.Fees)
	row.Slippage = clampFinite(row.Slippage)
	if row.EntrySignal != nil {
		row.EntrySignal = sanitizeAny(row.EntrySignal).(map[string]any)
	}
	s.data.Trades = append(s.data.Trades, row)

	if err := s.save(); err != nil {
		s.data.Trades = s.data.Trades[:len(s.data.Trades)-1]
		return 0, err
	}
	trade.ID = row.ID
	return row.ID, nil
}

// UpsertDailyPnL merges the day's aggregate on (date, strategy, mode).
func (s *FileStore) UpsertDailyPnL(ctx context.Context, day *models.DailyPnL) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if day == nil || day.Date == "" {
		return fmt.Errorf("%w: daily pnl date is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := *day
	row.RealizedPnL = clampFinite(row.RealizedPnL)
	row.UnrealizedPnL = clampFinite(row.UnrealizedPnL)
	row.TotalPnL = clampFinite(row.TotalPnL)
	row.FeesPaid = clampFinite(row.FeesPaid)
	row.PortfolioValue = clampFinite(row.PortfolioValue)

	for i := range s.data.DailyPnL {
		d := &s.data.DailyPnL[i]
		if d.Date == row.Date && d.Strategy == row.Strategy && d.Mode == row.Mode {
			prev := *d
			*d = row
			if err := s.save(); err != nil {
				*d = prev
				return err
			}
			return nil
		}
	}
	s.data.DailyPnL = append(s.data.DailyPnL, row)
	if err := s.save(); err != nil {
		s.data.DailyPnL = s.data.DailyPnL[:len(s.data.DailyPnL)-1]
		return err
	}
	return nil
}

// SaveSignal appends one signal journal row.
func (s *FileStore) SaveSignal(ctx context.Context, sig *models.SignalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sig == nil || sig.Symbol == "" || sig.Type == "" {
		return fmt.Errorf("%w: signal symbol and type are required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := *sig
	row.ID = s.nextID()
	row.Price = clampFinite(row.Price)
	s.data.Signals = append(s.data.Signals, row)
	if err := s.save(); err != nil {
		s.data.Signals = s.data.Signals[:len(s.data.Signals)-1]
		return err
	}
	sig.ID = row.ID
	return nil
}

// Ping verifies the store directory is still reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

// clampFinite drops NaN and ±Inf to zero. Typed numeric fields cannot carry
// null in the JSON file, so non-finite marks are zeroed instead.
func clampFinite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func clampPosition(p models.Position) models.Position {
	p.AveragePrice = clampFinite(p.AveragePrice)
	p.CurrentPrice = clampFinite(p.CurrentPrice)
	p.UnrealizedPnL = clampFinite(p.UnrealizedPnL)
	p.RealizedPnL = clampFinite(p.RealizedPnL)
	p.PnLPercent = clampFinite(p.PnLPercent)
	p.ExitPrice = clampFinite(p.ExitPrice)
	p.EntryFees = clampFinite(p.EntryFees)
	return p
}

// applyPositionPatch maps store column names onto position fields. The
// executor and the remote store share these names, so the file store accepts
// exactly the same patches.
func applyPositionPatch(p *models.Position, patch map[string]any) error {
	for col, v := range patch {
		switch col {
		case "current_price":
			f, err := asFloat64(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.CurrentPrice = clampFinite(f)
		case "unrealized_pnl":
			f, err := asFloat64(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.UnrealizedPnL = clampFinite(f)
		case "realized_pnl":
			f, err := asFloat64(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.RealizedPnL = clampFinite(f)
		case "pnl_percent":
			f, err := asFloat64(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.PnLPercent = clampFinite(f)
		case "exit_price":
			f, err := asFloat64(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.ExitPrice = clampFinite(f)
		case "quantity":
			n, err := asInt(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.Quantity = n
		case "is_open":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: %s: want bool, got %T", ErrValidation, col, v)
			}
			p.IsOpen = b
		case "exit_time":
			t, err := asTime(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.ExitTime = t
		case "exit_reason":
			str, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: %s: want string, got %T", ErrValidation, col, v)
			}
			p.ExitReason = str
		case "exit_reason_category":
			switch c := v.(type) {
			case models.ExitCategory:
				p.ExitCategory = c
			case string:
				p.ExitCategory = models.ExitCategory(c)
			default:
				return fmt.Errorf("%w: %s: want exit category, got %T", ErrValidation, col, v)
			}
		case "sell_order_id":
			n, err := asInt64(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			p.SellOrderID = &n
		case "updated_at":
			t, err := asTime(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrValidation, col, err)
			}
			if t != nil {
				p.UpdatedAt = *t
			}
		default:
			return fmt.Errorf("%w: unsupported position column %q", ErrValidation, col)
		}
	}
	return nil
}

func asFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("want number, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

func asTime(v any) (*time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		u := x.UTC()
		return &u, nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		u := x.UTC()
		return &u, nil
	case string:
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return nil, err
		}
		u := t.UTC()
		return &u, nil
	default:
		return nil, fmt.Errorf("want time, got %T", v)
	}
}
