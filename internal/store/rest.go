package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/retry"
)

const restTimeout = 15 * time.Second

// apiError is a non-2xx response from the row store.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("store API error %d: %s", e.Status, e.Body)
}

// Temporary reports whether the write may succeed on retry.
func (e *apiError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

// RestStore persists trading state to the remote row store's REST endpoint.
// Every write runs through the fixed retry ladder; validation rejections are
// surfaced immediately.
type RestStore struct {
	http   *resty.Client
	retry  *retry.Client
	logger *log.Logger
	delays []time.Duration
}

// NewRestStore creates a client for the row store rooted at baseURL.
func NewRestStore(baseURL, apiKey string, logger *log.Logger) *RestStore {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RestStore{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")+"/rest/v1").
			SetTimeout(restTimeout).
			SetHeader("apikey", apiKey).
			SetHeader("Authorization", "Bearer "+apiKey).
			SetHeader("Content-Type", "application/json"),
		retry:  retry.NewClient(logger),
		logger: logger,
		delays: saveRetryDelays,
	}
}

// WithRetryDelays overrides the retry ladder (tests).
func (s *RestStore) WithRetryDelays(delays []time.Duration) *RestStore {
	s.delays = delays
	return s
}

// SaveOrder validates and inserts one order row, returning the assigned id.
// SELL orders are additionally checked against open position quantity for the
// same symbol and mode, so a stray exit can never be recorded without a
// matching entry.
func (s *RestStore) SaveOrder(ctx context.Context, order *models.Order) (int64, error) {
	if err := validateOrder(order); err != nil {
		return 0, err
	}
	if order.Side == models.SideSell {
		open, err := s.GetOpenPositions(ctx, order.Mode)
		if err != nil {
			return 0, fmt.Errorf("checking open positions for sell: %w", err)
		}
		if err := checkSellAgainstOpen(order, open); err != nil {
			return 0, err
		}
	}

	var rows []models.Order
	if err := s.insert(ctx, "orders", orderPayload(order), &rows); err != nil {
		return 0, fmt.Errorf("saving order: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("saving order: store returned no row")
	}
	order.DatabaseID = rows[0].DatabaseID
	return rows[0].DatabaseID, nil
}

// GetOrderByID fetches one order row.
func (s *RestStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	query := url.Values{}
	query.Set("id", "eq."+strconv.FormatInt(id, 10))
	query.Set("limit", "1")

	var rows []models.Order
	if err := s.list(ctx, "orders", query, &rows); err != nil {
		return nil, fmt.Errorf("fetching order %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("fetching order %d: %w", id, ErrNotFound)
	}
	return &rows[0], nil
}

// GetOrdersBySymbol returns all orders for a symbol in one mode, oldest first.
func (s *RestStore) GetOrdersBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Order, error) {
	query := url.Values{}
	query.Set("symbol", "eq."+symbol)
	query.Set("trading_mode", "eq."+string(mode))
	query.Set("order", "created_at.asc")

	var rows []models.Order
	if err := s.list(ctx, "orders", query, &rows); err != nil {
		return nil, fmt.Errorf("fetching orders for %s: %w", symbol, err)
	}
	return rows, nil
}

// SavePosition inserts a new position row, or rewrites an existing one when
// the record already carries a store id.
func (s *RestStore) SavePosition(ctx context.Context, pos *models.Position) (int64, error) {
	if pos == nil {
		return 0, fmt.Errorf("%w: position is nil", ErrValidation)
	}
	if pos.ID != 0 {
		if err := s.patch(ctx, "positions", pos.ID, positionPayload(pos)); err != nil {
			return 0, fmt.Errorf("updating position %d: %w", pos.ID, err)
		}
		return pos.ID, nil
	}

	if err := validateNewPosition(pos); err != nil {
		return 0, err
	}
	var rows []models.Position
	if err := s.insert(ctx, "positions", positionPayload(pos), &rows); err != nil {
		return 0, fmt.Errorf("saving position: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("saving position: store returned no row")
	}
	pos.ID = rows[0].ID
	return rows[0].ID, nil
}

// UpdatePosition applies a partial update to one position row.
func (s *RestStore) UpdatePosition(ctx context.Context, id int64, patch map[string]any) error {
	if id == 0 {
		return fmt.Errorf("%w: position id is required for update", ErrValidation)
	}
	if len(patch) == 0 {
		return nil
	}
	if err := s.patch(ctx, "positions", id, sanitizeMap(patch)); err != nil {
		return fmt.Errorf("updating position %d: %w", id, err)
	}
	return nil
}

// GetOpenPositions returns open positions for a mode ordered by entry time.
func (s *RestStore) GetOpenPositions(ctx context.Context, mode models.TradingMode) ([]models.Position, error) {
	query := url.Values{}
	query.Set("is_open", "eq.true")
	query.Set("trading_mode", "eq."+string(mode))
	query.Set("order", "entry_time.asc")

	var rows []models.Position
	if err := s.list(ctx, "positions", query, &rows); err != nil {
		return nil, fmt.Errorf("fetching open positions: %w", err)
	}
	return rows, nil
}

// GetPositionsBySymbol returns every position row for a symbol and mode, open
// and closed, ordered by entry time.
func (s *RestStore) GetPositionsBySymbol(ctx context.Context, symbol string, mode models.TradingMode) ([]models.Position, error) {
	query := url.Values{}
	query.Set("symbol", "eq."+symbol)
	query.Set("trading_mode", "eq."+string(mode))
	query.Set("order", "entry_time.asc")

	var rows []models.Position
	if err := s.list(ctx, "positions", query, &rows); err != nil {
		return nil, fmt.Errorf("fetching positions for %s: %w", symbol, err)
	}
	return rows, nil
}

// GetPositionByID fetches one position row.
func (s *RestStore) GetPositionByID(ctx context.Context, id int64) (*models.Position, error) {
	query := url.Values{}
	query.Set("id", "eq."+strconv.FormatInt(id, 10))
	query.Set("limit", "1")

	var rows []models.Position
	if err := s.list(ctx, "positions", query, &rows); err != nil {
		return nil, fmt.Errorf("fetching position %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("fetching position %d: %w", id, ErrNotFound)
	}
	return &rows[0], nil
}

// SaveTrade inserts one completed round-trip row.
func (s *RestStore) SaveTrade(ctx context.Context, trade *models.Trade) (int64, error) {
	if trade == nil || trade.Symbol == "" {
		return 0, fmt.Errorf("%w: trade symbol is required", ErrValidation)
	}
	var rows []models.Trade
	if err := s.insert(ctx, "trades", tradePayload(trade), &rows); err != nil {
		return 0, fmt.Errorf("saving trade: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("saving trade: store returned no row")
	}
	trade.ID = rows[0].ID
	return rows[0].ID, nil
}

// UpsertDailyPnL merges the day's aggregate on (date, strategy, mode).
func (s *RestStore) UpsertDailyPnL(ctx context.Context, day *models.DailyPnL) error {
	if day == nil || day.Date == "" {
		return fmt.Errorf("%w: daily pnl date is required", ErrValidation)
	}
	err := s.retry.DoWithDelays(ctx, "upsert daily_pnl", s.delays, func(ctx context.Context) error {
		resp, err := s.http.R().
			SetContext(ctx).
			SetHeader("Prefer", "resolution=merge-duplicates,return=representation").
			SetQueryParam("on_conflict", "date,strategy_name,trading_mode").
			SetBody(dailyPnLPayload(day)).
			Post("/daily_pnl")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return restError(resp)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting daily pnl: %w", err)
	}
	return nil
}

// SaveSignal journals one emitted or rejected signal.
func (s *RestStore) SaveSignal(ctx context.Context, sig *models.SignalRecord) error {
	if sig == nil || sig.Symbol == "" || sig.Type == "" {
		return fmt.Errorf("%w: signal symbol and type are required", ErrValidation)
	}
	if err := s.insert(ctx, "strategy_signals", signalPayload(sig), nil); err != nil {
		return fmt.Errorf("saving signal: %w", err)
	}
	return nil
}

// Ping verifies the store answers queries.
func (s *RestStore) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("select", "id")
	query.Set("limit", "1")
	var rows []struct {
		ID int64 `json:"id"`
	}
	if err := s.list(ctx, "orders", query, &rows); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

// insert POSTs one row and decodes the representation into out when non-nil.
func (s *RestStore) insert(ctx context.Context, table string, payload map[string]any, out any) error {
	return s.retry.DoWithDelays(ctx, "insert "+table, s.delays, func(ctx context.Context) error {
		resp, err := s.http.R().
			SetContext(ctx).
			SetHeader("Prefer", "return=representation").
			SetBody(payload).
			Post("/" + table)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return restError(resp)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decoding %s response: %w", table, err)
			}
		}
		return nil
	})
}

// patch applies a partial update by id and fails with ErrNotFound when no row
// matched.
func (s *RestStore) patch(ctx context.Context, table string, id int64, payload map[string]any) error {
	return s.retry.DoWithDelays(ctx, "update "+table, s.delays, func(ctx context.Context) error {
		var rows []json.RawMessage
		resp, err := s.http.R().
			SetContext(ctx).
			SetHeader("Prefer", "return=representation").
			SetQueryParam("id", "eq."+strconv.FormatInt(id, 10)).
			SetBody(payload).
			Patch("/" + table)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return restError(resp)
		}
		if err := json.Unmarshal(resp.Body(), &rows); err != nil {
			return fmt.Errorf("decoding %s response: %w", table, err)
		}
		if len(rows) == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// list GETs rows into out.
func (s *RestStore) list(ctx context.Context, table string, query url.Values, out any) error {
	return s.retry.DoWithDelays(ctx, "select "+table, s.delays, func(ctx context.Context) error {
		resp, err := s.http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(query).
			Get("/" + table)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return restError(resp)
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decoding %s rows: %w", table, err)
		}
		return nil
	})
}

func restError(resp *resty.Response) error {
	body := resp.Body()
	if len(body) > 512 {
		body = body[:512]
	}
	return &apiError{Status: resp.StatusCode(), Body: strings.TrimSpace(string(body))}
}

// ============ Validation gate ============

func validateOrder(o *models.Order) error {
	if o == nil {
		return fmt.Errorf("%w: order is nil", ErrValidation)
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}
	return nil
}

// checkSellAgainstOpen rejects a SELL whose quantity exceeds the open
// quantity currently held for the same symbol and mode.
func checkSellAgainstOpen(order *models.Order, open []models.Position) error {
	available := 0
	for _, p := range open {
		if p.Symbol == order.Symbol {
			available += p.Quantity
		}
	}
	if available < order.Quantity {
		return fmt.Errorf("%w: sell of %d %s exceeds open quantity %d",
			ErrValidation, order.Quantity, order.Symbol, available)
	}
	return nil
}

func validateNewPosition(p *models.Position) error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: position symbol is required", ErrValidation)
	case !p.Mode.Valid():
		return fmt.Errorf("%w: position trading mode %q is invalid", ErrValidation, p.Mode)
	case p.EntryTime.IsZero():
		return fmt.Errorf("%w: position entry time is required", ErrValidation)
	case p.Quantity <= 0:
		return fmt.Errorf("%w: position quantity must be positive", ErrValidation)
	case !(p.AveragePrice > 0):
		return fmt.Errorf("%w: position average price must be positive", ErrValidation)
	}
	return nil
}

// ============ Payload builders ============
//
// Writes go out as explicit column maps rather than marshaled structs so
// non-finite floats can be mapped to null: the row store rejects NaN and
// infinity in numeric columns.

// san maps NaN and ±Inf to null.
func san(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// sanitizeAny walks arbitrary JSON-shaped data applying san to every number.
func sanitizeAny(v any) any {
	switch x := v.(type) {
	case float64:
		return san(x)
	case float32:
		return san(float64(x))
	case map[string]any:
		for k, vv := range x {
			x[k] = sanitizeAny(vv)
		}
		return x
	case []any:
		for i := range x {
			x[i] = sanitizeAny(x[i])
		}
		return x
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = sanitizeAny(v)
	}
	return m
}

func sanTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func sanTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sanTime(*t)
}

func orderPayload(o *models.Order) map[string]any {
	payload := map[string]any{
		"strategy_name":   o.Strategy,
		"trading_mode":    o.Mode,
		"symbol":          o.Symbol,
		"order_type":      o.Side,
		"quantity":        o.Quantity,
		"price":           san(o.Price),
		"status":          o.Status,
		"filled_quantity": o.FilledQuantity,
		"filled_price":    san(o.FilledPrice),
		"filled_at":       sanTimePtr(o.FilledAt),
		"created_at":      sanTime(o.CreatedAt),
		"updated_at":      sanTime(o.UpdatedAt),
	}
	if len(o.SignalData) > 0 {
		payload["signal_data"] = sanitizeAny(o.SignalData)
	}
	return payload
}

func positionPayload(p *models.Position) map[string]any {
	payload := map[string]any{
		"strategy_name":     p.Strategy,
		"trading_mode":      p.Mode,
		"symbol":            p.Symbol,
		"option_type":       p.OptionType,
		"quantity":          p.Quantity,
		"original_quantity": p.OriginalQuantity,
		"average_price":     san(p.AveragePrice),
		"current_price":     san(p.CurrentPrice),
		"unrealized_pnl":    san(p.UnrealizedPnL),
		"realized_pnl":      san(p.RealizedPnL),
		"pnl_percent":       san(p.PnLPercent),
		"is_open":           p.IsOpen,
		"entry_time":        sanTime(p.EntryTime),
		"entry_fees":        san(p.EntryFees),
		"buy_order_id":      p.BuyOrderID,
		"sell_order_id":     p.SellOrderID,
		"created_at":        sanTime(p.CreatedAt),
		"updated_at":        sanTime(p.UpdatedAt),
	}
	if !p.IsOpen {
		payload["exit_time"] = sanTimePtr(p.ExitTime)
		payload["exit_price"] = san(p.ExitPrice)
		payload["exit_reason"] = p.ExitReason
		payload["exit_reason_category"] = p.ExitCategory
	}
	return payload
}

func tradePayload(t *models.Trade) map[string]any {
	return map[string]any{
		"strategy_name":         t.Strategy,
		"trading_mode":          t.Mode,
		"symbol":                t.Symbol,
		"entry_price":           san(t.EntryPrice),
		"exit_price":            san(t.ExitPrice),
		"quantity":              t.Quantity,
		"pnl":                   san(t.PnL),
		"pnl_percentage":        san(t.PnLPercent),
		"entry_time":            sanTime(t.EntryTime),
		"exit_time":             sanTime(t.ExitTime),
		"hold_duration_minutes": san(t.HoldMinutes),
		"exit_reason":           t.ExitReason,
		"entry_signal_data":     sanitizeAny(t.EntrySignal),
		"fees":                  san(t.Fees),
		"slippage":              san(t.Slippage),
	}
}

func dailyPnLPayload(d *models.DailyPnL) map[string]any {
	return map[string]any{
		"date":            d.Date,
		"strategy_name":   d.Strategy,
		"trading_mode":    d.Mode,
		"realized_pnl":    san(d.RealizedPnL),
		"unrealized_pnl":  san(d.UnrealizedPnL),
		"total_pnl":       san(d.TotalPnL),
		"trades_count":    d.TradesCount,
		"winning_trades":  d.WinningTrades,
		"losing_trades":   d.LosingTrades,
		"fees_paid":       san(d.FeesPaid),
		"portfolio_value": san(d.PortfolioValue),
	}
}

func signalPayload(sig *models.SignalRecord) map[string]any {
	return map[string]any{
		"strategy_name":    sig.Strategy,
		"trading_mode":     sig.Mode,
		"signal_type":      sig.Type,
		"symbol":           sig.Symbol,
		"quantity":         sig.Quantity,
		"price":            san(sig.Price),
		"approved":         sig.Approved,
		"rejection_reason": sig.RejectionReason,
		"created_at":       sanTime(sig.CreatedAt),
	}
}
