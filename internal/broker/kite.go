// Package broker provides the brokerage client for trading NIFTY index
// options. It implements the Kite Connect HTTP API: session exchange,
// instrument master download, market data, and order placement.
package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/models"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/retry"
	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/util"
)

const (
	defaultBaseURL = "https://api.kite.trade"
	loginBaseURL   = "https://kite.zerodha.com/connect/login"

	// minRequestGap spaces consecutive outbound calls. The exchange API
	// throttles at roughly 5 req/s per app; 200ms keeps us under it.
	minRequestGap = 200 * time.Millisecond

	defaultTimeout = 10 * time.Second

	// kiteTimeLayout is the naive-IST timestamp format quotes carry.
	kiteTimeLayout = "2006-01-02 15:04:05"
	// candleTimeLayout is the zoned timestamp format in historical candles.
	candleTimeLayout = "2006-01-02T15:04:05-0700"
)

// APIError represents a brokerage API error with status code and the
// exchange's error classification.
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	if e.ErrorType == "" {
		return fmt.Sprintf("broker API error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("broker API error %d (%s): %s", e.Status, e.ErrorType, e.Message)
}

// Temporary reports whether the call may succeed on retry. Throttling and
// server-side failures are retryable; token and permission failures are not.
func (e *APIError) Temporary() bool {
	if e.ErrorType == "NetworkException" {
		return true
	}
	return e.Status == 429 || e.Status >= 500
}

// envelope is the standard response wrapper: every JSON endpoint returns
// {"status": "success"|"error", "data": ..., "error_type": ..., "message": ...}.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"error_type"`
	Message   string          `json:"message"`
}

// MarketTime unmarshals the broker's naive "2006-01-02 15:04:05" timestamps,
// which are implicitly IST.
type MarketTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MarketTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		m.Time = time.Time{}
		return nil
	}
	t, err := time.ParseInLocation(kiteTimeLayout, s, util.IST)
	if err != nil {
		return fmt.Errorf("parsing market time %q: %w", s, err)
	}
	m.Time = t
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m MarketTime) MarshalJSON() ([]byte, error) {
	if m.Time.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + m.Time.In(util.IST).Format(kiteTimeLayout) + `"`), nil
}

// rateGate spaces outbound calls by a minimum interval. Concurrent callers
// reserve consecutive slots under the lock and sleep outside it.
type rateGate struct {
	mu   sync.Mutex
	next time.Time
	gap  time.Duration
}

func (g *rateGate) wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	at := g.next
	if at.Before(now) {
		at = now
	}
	g.next = at.Add(g.gap)
	g.mu.Unlock()

	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KiteClient talks to the brokerage REST API. All remote calls pass through
// the rate gate and the retry policy; auth failures surface immediately.
type KiteClient struct {
	http      *resty.Client
	retry     *retry.Client
	gate      rateGate
	logger    *log.Logger
	apiKey    string
	apiSecret string
	tokenFile string

	mu          sync.RWMutex
	accessToken string
}

// Ensure KiteClient implements Broker at compile time.
var _ Broker = (*KiteClient)(nil)

// NewKiteClient creates a broker client. If tokenFile holds an access token
// from a previous session it is loaded, so restarts skip the login flow.
func NewKiteClient(apiKey, apiSecret, tokenFile string, logger *log.Logger) *KiteClient {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &KiteClient{
		http: resty.New().
			SetBaseURL(defaultBaseURL).
			SetTimeout(defaultTimeout).
			SetHeader("X-Kite-Version", "3"),
		retry:     retry.NewClient(logger),
		gate:      rateGate{gap: minRequestGap},
		logger:    logger,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		tokenFile: tokenFile,
	}
	if tok, err := c.loadToken(); err == nil && tok != "" {
		c.accessToken = tok
		logger.Printf("session restored from %s", tokenFile)
	}
	return c
}

// WithBaseURL overrides the API endpoint (tests, mock exchanges).
func (c *KiteClient) WithBaseURL(baseURL string) *KiteClient {
	c.http.SetBaseURL(strings.TrimRight(baseURL, "/"))
	return c
}

// WithTimeout sets the HTTP request timeout.
func (c *KiteClient) WithTimeout(timeout time.Duration) *KiteClient {
	c.http.SetTimeout(timeout)
	return c
}

// WithRetryPolicy overrides the retry policy for remote calls.
func (c *KiteClient) WithRetryPolicy(policy retry.Policy) *KiteClient {
	c.retry = retry.NewClient(c.logger, policy)
	return c
}

// WithRequestGap overrides the minimum spacing between outbound calls.
func (c *KiteClient) WithRequestGap(gap time.Duration) *KiteClient {
	c.gate.gap = gap
	return c
}

// LoginURL returns the interactive login URL the operator must visit to
// obtain a request token for CompleteSession.
func (c *KiteClient) LoginURL() string {
	return fmt.Sprintf("%s?v=3&api_key=%s", loginBaseURL, url.QueryEscape(c.apiKey))
}

// CompleteSession exchanges a request token for an access token and persists
// it to the token file.
func (c *KiteClient) CompleteSession(ctx context.Context, requestToken string) (string, error) {
	if requestToken == "" {
		return "", fmt.Errorf("request token is required")
	}

	checksum := sha256.Sum256([]byte(c.apiKey + requestToken + c.apiSecret))
	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(checksum[:]))

	var data struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := c.invoke(ctx, "POST", "/session/token", nil, form, &data); err != nil {
		return "", fmt.Errorf("completing session: %w", err)
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("completing session: empty access token in response")
	}

	c.mu.Lock()
	c.accessToken = data.AccessToken
	c.mu.Unlock()

	if err := c.saveToken(data.AccessToken); err != nil {
		c.logger.Printf("warning: persisting access token failed: %v", err)
	}
	c.logger.Printf("session established for user %s", data.UserID)
	return data.AccessToken, nil
}

// IsAuthenticated reports whether a stored access token is present and still
// accepted by the brokerage.
func (c *KiteClient) IsAuthenticated(ctx context.Context) bool {
	if c.AccessToken() == "" {
		return false
	}
	_, err := c.Profile(ctx)
	return err == nil
}

// AccessToken returns the current access token, or "" when logged out.
func (c *KiteClient) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken installs a token obtained out of band.
func (c *KiteClient) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *KiteClient) loadToken() (string, error) {
	if c.tokenFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.tokenFile) // #nosec G304 -- operator-configured token path
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (c *KiteClient) saveToken(token string) error {
	if c.tokenFile == "" {
		return nil
	}
	return os.WriteFile(c.tokenFile, []byte(token+"\n"), 0o600)
}

// LoadInstruments downloads the NFO instrument master and returns the option
// contracts for the given underlying. Malformed rows are skipped.
func (c *KiteClient) LoadInstruments(ctx context.Context, underlying string) ([]models.Instrument, error) {
	var body []byte
	err := c.retry.Do(ctx, "GET /instruments/NFO", func(ctx context.Context) error {
		if err := c.gate.wait(ctx); err != nil {
			return err
		}
		resp, err := c.authorizedRequest(ctx).Get("/instruments/NFO")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return apiErrorFromResponse(resp)
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("downloading instrument master: %w", err)
	}

	instruments, skipped, err := parseInstrumentCSV(body, underlying)
	if err != nil {
		return nil, fmt.Errorf("parsing instrument master: %w", err)
	}
	if skipped > 0 {
		c.logger.Printf("instrument master: skipped %d malformed rows", skipped)
	}
	c.logger.Printf("loaded %d %s option contracts", len(instruments), underlying)
	return instruments, nil
}

// parseInstrumentCSV extracts option contracts for one underlying from the
// instrument master dump. Columns are resolved by header name so column
// reordering upstream does not break us.
func parseInstrumentCSV(body []byte, underlying string) ([]models.Instrument, int, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("reading header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{
		"instrument_token", "tradingsymbol", "name", "expiry", "strike",
		"tick_size", "lot_size", "instrument_type", "segment", "exchange",
	} {
		if _, ok := col[required]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i := col[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []models.Instrument
	skipped := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if field(row, "name") != underlying || field(row, "segment") != "NFO-OPT" {
			continue
		}
		optType := models.OptionType(field(row, "instrument_type"))
		if optType != models.OptionCall && optType != models.OptionPut {
			continue
		}

		token, err := strconv.ParseUint(field(row, "instrument_token"), 10, 32)
		if err != nil {
			skipped++
			continue
		}
		expiry, err := time.ParseInLocation("2006-01-02", field(row, "expiry"), util.IST)
		if err != nil {
			skipped++
			continue
		}
		strike, err := strconv.ParseFloat(field(row, "strike"), 64)
		if err != nil {
			skipped++
			continue
		}
		lot, err := strconv.Atoi(field(row, "lot_size"))
		if err != nil {
			skipped++
			continue
		}
		tick, err := strconv.ParseFloat(field(row, "tick_size"), 64)
		if err != nil {
			skipped++
			continue
		}

		out = append(out, models.Instrument{
			Token:          uint32(token),
			Symbol:         field(row, "tradingsymbol"),
			Name:           underlying,
			Exchange:       field(row, "exchange"),
			Segment:        "NFO-OPT",
			InstrumentType: optType,
			Expiry:         expiry,
			Strike:         strike,
			LotSize:        lot,
			TickSize:       tick,
		})
	}
	return out, skipped, nil
}

// LTP returns last-traded prices keyed by the exchange-qualified symbols that
// were requested. Symbols the exchange does not recognize are absent.
func (c *KiteClient) LTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	query := url.Values{}
	for _, s := range symbols {
		query.Add("i", s)
	}

	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := c.invoke(ctx, "GET", "/quote/ltp", query, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching ltp: %w", err)
	}

	out := make(map[string]float64, len(data))
	for symbol, q := range data {
		out[symbol] = q.LastPrice
	}
	return out, nil
}

// Quote returns full quotes (depth, OI, last trade time) for the requested
// exchange-qualified symbols.
func (c *KiteClient) Quote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	query := url.Values{}
	for _, s := range symbols {
		query.Add("i", s)
	}

	var data map[string]Quote
	if err := c.invoke(ctx, "GET", "/quote", query, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching quotes: %w", err)
	}
	return data, nil
}

// Historical returns OHLCV candles for an instrument token. The exchange
// emits rows as mixed-type JSON arrays; rows that do not parse are skipped.
func (c *KiteClient) Historical(ctx context.Context, token uint32, from, to time.Time, interval string) ([]models.Candle, error) {
	query := url.Values{}
	query.Set("from", from.In(util.IST).Format(kiteTimeLayout))
	query.Set("to", to.In(util.IST).Format(kiteTimeLayout))

	path := fmt.Sprintf("/instruments/historical/%d/%s", token, url.PathEscape(interval))
	var data struct {
		Candles [][]any `json:"candles"`
	}
	if err := c.invoke(ctx, "GET", path, query, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching historical candles: %w", err)
	}

	candles := make([]models.Candle, 0, len(data.Candles))
	for _, row := range data.Candles {
		candle, ok := parseCandleRow(row)
		if !ok {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseCandleRow converts one [timestamp, o, h, l, c, volume(, oi)] row.
func parseCandleRow(row []any) (models.Candle, bool) {
	if len(row) < 6 {
		return models.Candle{}, false
	}
	ts, ok := row[0].(string)
	if !ok {
		return models.Candle{}, false
	}
	t, err := time.Parse(candleTimeLayout, ts)
	if err != nil {
		return models.Candle{}, false
	}
	nums := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		f, ok := asFloat(row[i])
		if !ok {
			return models.Candle{}, false
		}
		nums[i-1] = f
	}
	return models.Candle{
		Timestamp: t,
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    int64(nums[4]),
	}, true
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// PlaceOrder submits a regular-variety order and returns the exchange order id.
func (c *KiteClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	req = req.withDefaults()
	if req.Symbol == "" {
		return "", fmt.Errorf("placing order: symbol is required")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return "", fmt.Errorf("placing order: invalid side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("placing order: quantity must be positive")
	}
	if req.OrderType == "LIMIT" && req.Price <= 0 {
		return "", fmt.Errorf("placing order: limit orders require a price")
	}

	form := url.Values{}
	form.Set("exchange", req.Exchange)
	form.Set("tradingsymbol", req.Symbol)
	form.Set("transaction_type", string(req.Side))
	form.Set("order_type", req.OrderType)
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("product", req.Product)
	form.Set("validity", req.Validity)
	if req.OrderType == "LIMIT" {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	}

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.invoke(ctx, "POST", "/orders/regular", nil, form, &data); err != nil {
		return "", fmt.Errorf("placing order: %w", err)
	}
	return data.OrderID, nil
}

// Positions returns the day's net positions.
func (c *KiteClient) Positions(ctx context.Context) ([]PositionItem, error) {
	var data struct {
		Net []PositionItem `json:"net"`
	}
	if err := c.invoke(ctx, "GET", "/portfolio/positions", nil, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	return data.Net, nil
}

// Holdings returns demat holdings.
func (c *KiteClient) Holdings(ctx context.Context) ([]HoldingItem, error) {
	var data []HoldingItem
	if err := c.invoke(ctx, "GET", "/portfolio/holdings", nil, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching holdings: %w", err)
	}
	return data, nil
}

// Margins returns the net available equity cash.
func (c *KiteClient) Margins(ctx context.Context) (float64, error) {
	var data struct {
		Equity struct {
			Net       float64 `json:"net"`
			Available struct {
				Cash float64 `json:"cash"`
			} `json:"available"`
		} `json:"equity"`
	}
	if err := c.invoke(ctx, "GET", "/user/margins", nil, nil, &data); err != nil {
		return 0, fmt.Errorf("fetching margins: %w", err)
	}
	return data.Equity.Net, nil
}

// Profile returns the authenticated user's profile.
func (c *KiteClient) Profile(ctx context.Context) (*Profile, error) {
	var data Profile
	if err := c.invoke(ctx, "GET", "/user/profile", nil, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	return &data, nil
}

// invoke runs one API call through the rate gate and retry policy, decodes
// the response envelope, and unmarshals data into out when non-nil.
func (c *KiteClient) invoke(ctx context.Context, method, path string, query url.Values, form url.Values, out any) error {
	return c.retry.Do(ctx, method+" "+path, func(ctx context.Context) error {
		return c.invokeOnce(ctx, method, path, query, form, out)
	})
}

func (c *KiteClient) invokeOnce(ctx context.Context, method, path string, query url.Values, form url.Values, out any) error {
	if err := c.gate.wait(ctx); err != nil {
		return err
	}

	req := c.authorizedRequest(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if form != nil {
		req.SetFormDataFromValues(form)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiErrorFromResponse(resp)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decoding response envelope: %w", err)
	}
	if env.Status == "error" {
		return &APIError{Status: resp.StatusCode(), ErrorType: env.ErrorType, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

func (c *KiteClient) authorizedRequest(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if tok := c.AccessToken(); tok != "" {
		req.SetHeader("Authorization", "token "+c.apiKey+":"+tok)
	}
	return req
}

// apiErrorFromResponse builds an APIError from a non-2xx response, pulling
// the error type and message out of the envelope when the body carries one.
func apiErrorFromResponse(resp *resty.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode()}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err == nil && env.Message != "" {
		apiErr.ErrorType = env.ErrorType
		apiErr.Message = env.Message
		return apiErr
	}
	body := resp.Body()
	if len(body) > 512 {
		body = body[:512]
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
