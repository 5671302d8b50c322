// Package binance is the Binance spot variant of the exchange connector,
// built on the go-binance client.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"cryptolink/config"
	"cryptolink/internal/metrics"
	"cryptolink/internal/symbols"
	"cryptolink/logger"
	"cryptolink/models"
	"cryptolink/processor"
)

const ExchangeName = "binance"

// ErrMissingCredentials is returned when the user stream is enabled without
// an API key.
var ErrMissingCredentials = errors.New("binance: api key and secret are required")

// listenKeyRefresh keeps the user stream key alive; binance expires it
// after 60 minutes.
const listenKeyRefresh = 30 * time.Minute

// Stream state gauge values, shared with the bitglobal supervisor.
const (
	stateDisconnected = 0
	stateConnecting   = 1
	stateStreaming    = 4
	stateBackoff      = 5
)

// Sink receives normalized messages without blocking.
type Sink interface {
	Send(ctx context.Context, msg models.Message) bool
}

// serveFunc starts one go-binance websocket. Replaced in tests.
type serveFunc func(ctx context.Context, symbol string, sink func(models.Message), errHandler gobinance.ErrHandler) (doneC, stopC chan struct{}, err error)

var wsEndpointOnce sync.Once

type Reader struct {
	config *config.Config
	src    config.BinanceSourceConfig
	client *gobinance.Client
	sink   Sink

	serveTrades serveFunc
	serveDiffs  serveFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log
}

// NewReader builds the REST client bound to src.LocalIP. It fails when the
// user stream is enabled without credentials.
func NewReader(cfg *config.Config, src config.BinanceSourceConfig, sink Sink) (*Reader, error) {
	if src.User.Enabled && (src.APIKey == "" || src.SecretKey == "") {
		return nil, ErrMissingCredentials
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if src.LocalIP != "" {
		ip := net.ParseIP(src.LocalIP)
		if ip == nil {
			return nil, fmt.Errorf("binance: invalid local ip %q", src.LocalIP)
		}
		dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
		transport.DialContext = dialer.DialContext
	}

	client := gobinance.NewClient(src.APIKey, src.SecretKey)
	client.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Reader.Timeout}
	if src.RestURL != "" {
		client.BaseURL = strings.TrimRight(src.RestURL, "/")
	}
	if src.WSURL != "" && src.WSURL != config.DefaultBinanceWSURL {
		wsEndpointOnce.Do(func() { gobinance.BaseWsMainURL = src.WSURL })
	}

	r := &Reader{
		config:      cfg,
		src:         src,
		client:      client,
		sink:        sink,
		serveTrades: serveTrades,
		serveDiffs:  serveDiffs,
		log:         logger.GetLogger(),
	}

	r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbols":  len(src.TradingPairs),
		"local_ip": src.LocalIP,
		"timeout":  cfg.Reader.Timeout,
	}).Info("binance reader initialized")

	return r, nil
}

func (r *Reader) Exchange() string { return ExchangeName }

// FetchSnapshot returns the REST depth book for pair, which may be given as
// BTC-USDT or BTCUSDT.
func (r *Reader) FetchSnapshot(ctx context.Context, pair string) (*models.Snapshot, error) {
	symbol := symbols.ToBinance("", pair)
	start := time.Now()
	res, err := r.client.NewDepthService().Symbol(symbol).Limit(r.src.Snapshots.Limit).Do(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ObserveREST(ExchangeName, "depth", status, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("binance depth %s: %w", symbol, err)
	}

	bids, err := levels(res.Bids)
	if err != nil {
		return nil, fmt.Errorf("binance depth %s bids: %w", symbol, err)
	}
	asks, err := levels(res.Asks)
	if err != nil {
		return nil, fmt.Errorf("binance depth %s asks: %w", symbol, err)
	}
	return &models.Snapshot{
		Exchange:    ExchangeName,
		TradingPair: symbols.ToPair(ExchangeName, symbol),
		Bids:        bids,
		Asks:        asks,
		UpdateID:    res.LastUpdateID,
		Timestamp:   time.Now().UTC(),
	}, nil
}

func (r *Reader) ListenTrades(ctx context.Context) error {
	return r.listen(ctx, "trades", r.serveTrades)
}

func (r *Reader) ListenDiffs(ctx context.Context) error {
	return r.listen(ctx, "diffs", r.serveDiffs)
}

// listen runs one websocket per symbol and restarts any that end until ctx
// is cancelled.
func (r *Reader) listen(ctx context.Context, stream string, serve serveFunc) error {
	var wg sync.WaitGroup
	for _, sym := range r.src.TradingPairs {
		symbol := symbols.ToBinance("", sym)
		seq := processor.NewSequencer(ExchangeName, stream)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.superviseSymbol(ctx, stream, symbol, seq, serve)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Reader) superviseSymbol(ctx context.Context, stream, symbol string, seq *processor.Sequencer, serve serveFunc) {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"stream": stream,
		"symbol": symbol,
	})
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}
	emit := func(msg models.Message) {
		logger.IncrementStreamMessage(stream, 1)
		if !seq.Accept(msg) {
			metrics.EmitDropMetric(r.log, metrics.DropMetricSequence, ExchangeName, stream, msg.TradingPair)
			return
		}
		r.enqueue(ctx, stream, msg)
	}

	for {
		metrics.SetStreamState(ExchangeName, stream, stateConnecting)
		doneC, stopC, err := serve(ctx, symbol, emit, errHandler)
		if err == nil {
			metrics.SetStreamState(ExchangeName, stream, stateStreaming)
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				metrics.SetStreamState(ExchangeName, stream, stateDisconnected)
				return
			case <-doneC:
			}
		} else {
			log.WithError(err).Warn("failed to open websocket")
		}
		if ctx.Err() != nil {
			return
		}

		metrics.IncReconnect(ExchangeName, stream)
		logger.IncrementReconnect(stream)
		metrics.SetStreamState(ExchangeName, stream, stateBackoff)
		log.WithField("backoff", r.config.Reader.Backoff.String()).Warn("websocket ended, reconnecting")
		seq.Reset()
		if !sleep(ctx, r.config.Reader.Backoff) {
			metrics.SetStreamState(ExchangeName, stream, stateDisconnected)
			return
		}
	}
}

func (r *Reader) enqueue(ctx context.Context, stream string, msg models.Message) {
	if r.sink.Send(ctx, msg) {
		metrics.IncEnqueued(ExchangeName, stream, string(msg.Type))
		return
	}
	metrics.IncDropped(ExchangeName, stream, string(msg.Type))
	metrics.EmitDropMetric(r.log, metrics.DropMetricFor(string(msg.Type)), ExchangeName, stream, msg.TradingPair)
}

// ListenUserStream opens a listen key, keeps it alive and forwards order
// updates until ctx is cancelled.
func (r *Reader) ListenUserStream(ctx context.Context) error {
	if r.src.APIKey == "" || r.src.SecretKey == "" {
		return ErrMissingCredentials
	}
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"stream": "user"})

	for {
		err := r.userSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("user stream ended, reconnecting")
		metrics.IncReconnect(ExchangeName, "user")
		logger.IncrementReconnect("user")
		if !sleep(ctx, r.config.Reader.Backoff) {
			return ctx.Err()
		}
	}
}

func (r *Reader) userSession(ctx context.Context) error {
	listenKey, err := r.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.client.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx)
	}()

	var wsErr error
	var errMu sync.Mutex
	handler := func(event *gobinance.WsUserDataEvent) {
		logger.IncrementStreamMessage("user", 1)
		r.enqueue(ctx, "user", userMessage(event))
	}
	errHandler := func(err error) {
		errMu.Lock()
		wsErr = err
		errMu.Unlock()
	}

	doneC, stopC, err := gobinance.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return fmt.Errorf("open user stream: %w", err)
	}

	ticker := time.NewTicker(listenKeyRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return ctx.Err()
		case <-doneC:
			errMu.Lock()
			defer errMu.Unlock()
			if wsErr != nil {
				return wsErr
			}
			return errors.New("user stream closed")
		case <-ticker.C:
			if err := r.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				close(stopC)
				<-doneC
				return fmt.Errorf("keepalive listen key: %w", err)
			}
		}
	}
}

// PollSnapshots fetches every symbol once per UTC hour with pair_delay
// between symbols.
func (r *Reader) PollSnapshots(ctx context.Context) error {
	seq := processor.NewSequencer(ExchangeName, "snapshots")
	for {
		for _, sym := range r.src.TradingPairs {
			snap, err := r.FetchSnapshot(ctx, sym)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.WithComponent("binance_reader").WithError(err).WithField("symbol", sym).Warn("failed to fetch snapshot")
				metrics.IncrementError(ExchangeName, sym)
			} else if msg := snap.Message(); seq.Accept(msg) {
				r.enqueue(ctx, "snapshots", msg)
				metrics.IncrementSuccess(ExchangeName, snap.TradingPair)
			}
			if !sleep(ctx, r.src.Snapshots.PairDelay) {
				return ctx.Err()
			}
		}
		now := time.Now().UTC()
		if !sleep(ctx, now.Truncate(time.Hour).Add(time.Hour).Sub(now)) {
			return ctx.Err()
		}
	}
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	jobs := map[string]func(context.Context) error{}
	if r.src.Trades.Enabled {
		jobs["trades"] = r.ListenTrades
	}
	if r.src.Diffs.Enabled {
		jobs["diffs"] = r.ListenDiffs
	}
	if r.src.Snapshots.Enabled {
		jobs["snapshots"] = r.PollSnapshots
	}
	if r.src.User.Enabled {
		jobs["user"] = r.ListenUserStream
	}

	for name, job := range jobs {
		r.wg.Add(1)
		go func(name string, job func(context.Context) error) {
			defer r.wg.Done()
			if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.WithComponent("binance_reader").WithError(err).WithField("stream", name).Error("stream stopped")
			}
		}(name, job)
	}

	r.log.WithComponent("binance_reader").WithField("streams", len(jobs)).Info("binance reader started")
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.log.WithComponent("binance_reader").Info("stopping binance reader")
	cancel()
	r.wg.Wait()
	r.log.WithComponent("binance_reader").Info("binance reader stopped")
}

func serveTrades(_ context.Context, symbol string, sink func(models.Message), errHandler gobinance.ErrHandler) (chan struct{}, chan struct{}, error) {
	return gobinance.WsTradeServe(symbol, func(event *gobinance.WsTradeEvent) {
		msg, err := tradeMessage(event)
		if err != nil {
			errHandler(err)
			return
		}
		sink(msg)
	}, errHandler)
}

func serveDiffs(_ context.Context, symbol string, sink func(models.Message), errHandler gobinance.ErrHandler) (chan struct{}, chan struct{}, error) {
	return gobinance.WsDepthServe(symbol, func(event *gobinance.WsDepthEvent) {
		msg, err := diffMessage(event)
		if err != nil {
			errHandler(err)
			return
		}
		sink(msg)
	}, errHandler)
}

func tradeMessage(e *gobinance.WsTradeEvent) (models.Message, error) {
	price, err := decimal.NewFromString(e.Price)
	if err != nil {
		return models.Message{}, fmt.Errorf("trade price: %w", err)
	}
	qty, err := decimal.NewFromString(e.Quantity)
	if err != nil {
		return models.Message{}, fmt.Errorf("trade quantity: %w", err)
	}
	side := "buy"
	if e.IsBuyerMaker {
		side = "sell"
	}
	pair := symbols.ToPair(ExchangeName, e.Symbol)
	return models.NewTradeMessage(ExchangeName, pair, time.UnixMilli(e.TradeTime).UTC(), e.TradeID, models.Trade{
		TradeID: fmt.Sprintf("%d", e.TradeID),
		Price:   price,
		Amount:  qty,
		Side:    side,
	}), nil
}

func diffMessage(e *gobinance.WsDepthEvent) (models.Message, error) {
	bids, err := levels(e.Bids)
	if err != nil {
		return models.Message{}, fmt.Errorf("diff bids: %w", err)
	}
	asks, err := levels(e.Asks)
	if err != nil {
		return models.Message{}, fmt.Errorf("diff asks: %w", err)
	}
	pair := symbols.ToPair(ExchangeName, e.Symbol)
	return models.NewBookMessage(models.MessageDiff, ExchangeName, pair, time.UnixMilli(e.Time).UTC(), e.LastUpdateID,
		models.OrderBook{Bids: bids, Asks: asks}), nil
}

func userMessage(e *gobinance.WsUserDataEvent) models.Message {
	raw, _ := json.Marshal(e)
	o := e.OrderUpdate
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.Volume)
	orderID := ""
	if o.Id != 0 {
		orderID = fmt.Sprintf("%d", o.Id)
	}
	pair := ""
	if o.Symbol != "" {
		pair = symbols.ToPair(ExchangeName, o.Symbol)
	}
	return models.NewUserMessage(ExchangeName, pair, time.UnixMilli(e.Time).UTC(), models.UserEvent{
		Topic:    string(e.Event),
		OrderID:  orderID,
		Status:   string(o.Status),
		Side:     strings.ToLower(string(o.Side)),
		Price:    price,
		Quantity: qty,
		Raw:      raw,
	})
}

// levels converts go-binance price levels. Bid and Ask are both aliases of
// the same level type.
func levels(in []gobinance.Bid) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(in))
	for _, l := range in {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
