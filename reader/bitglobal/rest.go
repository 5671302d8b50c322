package bitglobal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cryptolink/config"
	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
)

const maxBodyBytes = 8 << 20

// StatusError is returned for any non-2xx REST response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bitglobal %s: http status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// ExchangeError carries an error code reported inside a response or a
// websocket frame.
type ExchangeError struct {
	Code    string
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("bitglobal error %s: %s", e.Code, e.Message)
}

// IsAuthError reports whether the exchange rejected the credentials.
func (e *ExchangeError) IsAuthError() bool {
	return e.Code == CodeAuthFailed
}

type envelope struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// RestClient is the REST side of the connector. Every call is paced by a
// shared rate limiter.
type RestClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	auth    *Auth
	localIP string
	log     *logger.Log

	now        func() time.Time
	marketsTTL time.Duration

	marketsMu      sync.Mutex
	markets        []models.Market
	marketsFetched time.Time
}

type RestOption func(*RestClient)

func WithHTTPClient(c *http.Client) RestOption {
	return func(r *RestClient) { r.http = c }
}

// WithRestAuth signs every request with the given credentials.
func WithRestAuth(a *Auth) RestOption {
	return func(r *RestClient) { r.auth = a }
}

func WithRestClock(now func() time.Time) RestOption {
	return func(r *RestClient) { r.now = now }
}

func NewRestClient(cfg *config.Config, src config.BitglobalSourceConfig, opts ...RestOption) *RestClient {
	base := strings.TrimRight(src.RestURL, "/")
	if base == "" {
		base = DefaultRestURL
	}

	rps := cfg.Reader.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Reader.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	r := &RestClient{
		baseURL:    base,
		http:       newHTTPClient(cfg, src),
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		localIP:    src.LocalIP,
		log:        logger.GetLogger(),
		now:        time.Now,
		marketsTTL: activeMarketsTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RestClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.auth != nil {
		params := make(map[string]string, len(query))
		for k := range query {
			params[k] = query.Get(k)
		}
		for _, h := range r.auth.RestAuthHeaders(http.MethodGet, path, params, r.now()) {
			req.Header.Set(h.Key, h.Value)
		}
	}

	start := time.Now()
	resp, err := r.http.Do(req)
	if err != nil {
		metrics.ObserveREST(ExchangeName, path, "error", time.Since(start))
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	metrics.ObserveREST(ExchangeName, path, strconv.Itoa(resp.StatusCode), time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pair := query.Get("symbol")
		if rateLimited, banned := metrics.DetectLimit(resp.StatusCode, string(body)); banned {
			metrics.ReportIPBan(r.log, ExchangeName, pair, r.localIP, path)
		} else if rateLimited {
			metrics.ReportRateLimitExceeded(r.log, ExchangeName, pair, r.localIP, path)
		}
		return nil, &StatusError{Endpoint: path, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if code := codeString(env.Code); code != "" && code != "0" {
		return nil, &ExchangeError{Code: code, Message: env.Msg}
	}
	return env.Data, nil
}

type bookData struct {
	Bids   []models.PriceLevel `json:"b"`
	Asks   []models.PriceLevel `json:"s"`
	Ver    json.RawMessage     `json:"ver"`
	Symbol string              `json:"symbol"`
}

// GetSnapshot fetches the order book for pair. The exchange ignores depth
// parameters, so levels beyond limit are trimmed locally.
func (r *RestClient) GetSnapshot(ctx context.Context, pair string, limit int) (*models.Snapshot, error) {
	data, err := r.get(ctx, orderBookPath, url.Values{"symbol": {pair}})
	if err != nil {
		return nil, err
	}

	var book bookData
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("decode order book for %s: %w", pair, err)
	}
	ver, err := int64FromRaw(book.Ver)
	if err != nil {
		return nil, fmt.Errorf("order book version for %s: %w", pair, err)
	}

	return &models.Snapshot{
		Exchange:    ExchangeName,
		TradingPair: pair,
		Bids:        trimLevels(book.Bids, limit),
		Asks:        trimLevels(book.Asks, limit),
		UpdateID:    ver,
		Timestamp:   r.now().UTC(),
	}, nil
}

// GetNewOrderBook fetches a full-depth snapshot for pair and returns it as a
// queue message stamped with the local receive time.
func (r *RestClient) GetNewOrderBook(ctx context.Context, pair string) (models.Message, error) {
	snap, err := r.GetSnapshot(ctx, pair, 1000)
	if err != nil {
		return models.Message{}, err
	}
	return snap.Message(), nil
}

// GetLastTradedPrice returns the price of the most recent public trade.
func (r *RestClient) GetLastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	data, err := r.get(ctx, tradesPath, url.Values{"symbol": {pair}})
	if err != nil {
		return decimal.Zero, err
	}
	var trades []struct {
		Price json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal(data, &trades); err != nil {
		return decimal.Zero, fmt.Errorf("decode trades for %s: %w", pair, err)
	}
	if len(trades) == 0 {
		return decimal.Zero, fmt.Errorf("no trades for %s", pair)
	}
	return decimalFromRaw(trades[0].Price)
}

// GetLastTradedPrices fetches every pair concurrently. Any failure fails the
// whole batch.
func (r *RestClient) GetLastTradedPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	prices := make([]decimal.Decimal, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			p, err := r.GetLastTradedPrice(gctx, pair)
			if err != nil {
				return fmt.Errorf("last traded price %s: %w", pair, err)
			}
			prices[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(pairs))
	for i, pair := range pairs {
		out[pair] = prices[i]
	}
	return out, nil
}

// FetchTradingPairs lists the exchange's spot symbols. Failures are logged
// and yield an empty list.
func (r *RestClient) FetchTradingPairs(ctx context.Context) []string {
	log := r.log.WithComponent("bitglobal_rest").WithFields(logger.Fields{"operation": "fetch_trading_pairs"})

	data, err := r.get(ctx, spotConfigPath, nil)
	if err != nil {
		log.WithError(err).Debug("trading pair discovery failed")
		return []string{}
	}
	var cfg struct {
		SpotConfig []struct {
			Symbol string `json:"symbol"`
		} `json:"spotConfig"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.WithError(err).Debug("trading pair discovery returned malformed data")
		return []string{}
	}

	pairs := make([]string, 0, len(cfg.SpotConfig))
	for _, s := range cfg.SpotConfig {
		if s.Symbol != "" {
			pairs = append(pairs, s.Symbol)
		}
	}
	return pairs
}

// GetActiveMarkets returns the ticker table. The result is cached for
// activeMarketsTTL regardless of the caller.
func (r *RestClient) GetActiveMarkets(ctx context.Context) ([]models.Market, error) {
	r.marketsMu.Lock()
	defer r.marketsMu.Unlock()

	if r.markets != nil && r.now().Sub(r.marketsFetched) < r.marketsTTL {
		return append([]models.Market(nil), r.markets...), nil
	}

	data, err := r.get(ctx, tickerPath, url.Values{"symbol": {"ALL"}})
	if err != nil {
		return nil, fmt.Errorf("error fetching active bitglobal markets: %w", err)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode ticker table: %w", err)
	}

	markets := make([]models.Market, 0, len(rows))
	for _, row := range rows {
		m := models.Market{Fields: map[string]interface{}{}}
		for k, v := range row {
			switch k {
			case "c":
				m.Price = decimalFromAny(v)
			case "v":
				m.Volume = decimalFromAny(v)
			case "s", "symbol":
				if s, ok := v.(string); ok {
					m.TradingPair = s
				}
			default:
				m.Fields[k] = v
			}
		}
		markets = append(markets, m)
	}

	r.markets = markets
	r.marketsFetched = r.now()
	return append([]models.Market(nil), markets...), nil
}

// GetServerTime returns the exchange clock.
func (r *RestClient) GetServerTime(ctx context.Context) (time.Time, error) {
	data, err := r.get(ctx, serverTimePath, nil)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := int64FromRaw(data)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func trimLevels(levels []models.PriceLevel, limit int) []models.PriceLevel {
	if limit > 0 && len(levels) > limit {
		return levels[:limit]
	}
	return levels
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// codeString renders a code given either as a JSON string or a number.
func codeString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func int64FromRaw(raw json.RawMessage) (int64, error) {
	s := codeString(raw)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func decimalFromRaw(raw json.RawMessage) (decimal.Decimal, error) {
	s := codeString(raw)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func decimalFromAny(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(t)
	default:
		return decimal.Zero
	}
}
