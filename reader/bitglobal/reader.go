// Package bitglobal connects to the Bitglobal (Bithumb Global) spot API:
// websocket trade, order book and user order streams plus REST snapshots.
package bitglobal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"cryptolink/config"
	"cryptolink/internal/wsconn"
	"cryptolink/logger"
	"cryptolink/models"
	"cryptolink/processor"
)

// Reader runs the enabled bitglobal streams for one set of pairs, bound to
// one local IP.
type Reader struct {
	config *config.Config
	src    config.BitglobalSourceConfig
	rest   *RestClient
	auth   *Auth
	sink   Sink
	dial   DialFunc
	// snapshots orders REST and websocket snapshots of the same pair.
	snapshots *processor.Sequencer

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log
}

// NewReader fails when the user stream is enabled without credentials.
func NewReader(cfg *config.Config, src config.BitglobalSourceConfig, sink Sink) (*Reader, error) {
	var auth *Auth
	if src.APIKey != "" || src.SecretKey != "" || src.User.Enabled {
		a, err := NewAuth(Credentials{APIKey: src.APIKey, SecretKey: src.SecretKey})
		if err != nil {
			if src.User.Enabled {
				return nil, fmt.Errorf("bitglobal user stream: %w", err)
			}
		} else {
			auth = a
		}
	}
	if src.WSURL == "" {
		src.WSURL = DefaultWSURL
	}

	var opts []RestOption
	if auth != nil {
		opts = append(opts, WithRestAuth(auth))
	}

	r := &Reader{
		config: cfg,
		src:    src,
		rest:   NewRestClient(cfg, src, opts...),
		auth:   auth,
		sink:   sink,
		dial:   wsconn.Dial,
		log:    logger.GetLogger(),
	}
	r.snapshots = processor.NewSequencer(ExchangeName, r.streamName(snapshotStream))

	r.log.WithComponent("bitglobal_reader").WithFields(logger.Fields{
		"pairs":    len(src.TradingPairs),
		"local_ip": src.LocalIP,
		"trades":   src.Trades.Enabled,
		"diffs":    src.Diffs.Enabled,
		"user":     src.User.Enabled,
	}).Info("bitglobal reader initialized")

	return r, nil
}

func (r *Reader) Exchange() string { return ExchangeName }

func (r *Reader) Rest() *RestClient { return r.rest }

func (r *Reader) FetchSnapshot(ctx context.Context, pair string) (*models.Snapshot, error) {
	return r.rest.GetSnapshot(ctx, pair, r.src.Snapshots.Limit)
}

func (r *Reader) ListenTrades(ctx context.Context) error {
	return r.supervisor("trades", models.Subscription{Kind: models.ChannelTrade, Pairs: r.src.TradingPairs}, nil).Run(ctx)
}

func (r *Reader) ListenDiffs(ctx context.Context) error {
	return r.supervisor("diffs", models.Subscription{Kind: models.ChannelOrderBook, Pairs: r.src.TradingPairs}, nil).Run(ctx)
}

func (r *Reader) ListenUserStream(ctx context.Context) error {
	if r.auth == nil {
		return fmt.Errorf("bitglobal user stream: %w", ErrMissingCredentials)
	}
	return r.supervisor("user", models.Subscription{Kind: models.ChannelUserOrder}, r.auth).Run(ctx)
}

// PollSnapshots runs the hourly REST snapshot sweep.
func (r *Reader) PollSnapshots(ctx context.Context) error {
	return r.snapshotPoller().Run(ctx)
}

func (r *Reader) snapshotPoller() *SnapshotPoller {
	return NewSnapshotPoller(r.rest, r.src.TradingPairs, r.src.Snapshots.Limit,
		r.src.Snapshots.PairDelay, r.config.Reader.SnapshotBackoff, r.sink).WithSequencer(r.snapshots)
}

func (r *Reader) streamName(stream string) string {
	if r.src.LocalIP != "" {
		return stream + "@" + r.src.LocalIP
	}
	return stream
}

func (r *Reader) supervisor(stream string, sub models.Subscription, auth *Auth) *Supervisor {
	stream = r.streamName(stream)
	header := http.Header{}
	if r.config.Reader.UserAgent != "" {
		header.Set("User-Agent", r.config.Reader.UserAgent)
	}
	var snapshots *processor.Sequencer
	if sub.Kind == models.ChannelOrderBook {
		snapshots = r.snapshots
	}
	return NewSupervisor(StreamConfig{
		Name:            stream,
		URL:             r.src.WSURL,
		Subscription:    sub,
		Auth:            auth,
		FatalAuthErrors: r.src.User.FatalAuthErrors,
		Backoff:         r.config.Reader.Backoff,
		Snapshots:       snapshots,
		Transport: wsconn.Options{
			MessageTimeout: r.config.Reader.MessageTimeout,
			PingTimeout:    r.config.Reader.PingTimeout,
			PingFrame:      models.PingFrame,
			LocalIP:        r.src.LocalIP,
			Header:         header,
		},
	}, r.sink).WithDialer(r.dial)
}

// Start launches one goroutine per enabled stream.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("bitglobal_reader").WithFields(logger.Fields{"operation": "start"})

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
	if len(jobs) == 0 {
		log.Warn("no bitglobal streams enabled")
	}

	for name, job := range jobs {
		r.wg.Add(1)
		go func(name string, job func(context.Context) error) {
			defer r.wg.Done()
			err := job(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.WithComponent("bitglobal_reader").WithError(err).WithFields(logger.Fields{
					"stream": name,
				}).Error("stream stopped")
			}
		}(name, job)
	}

	log.WithField("streams", len(jobs)).Info("bitglobal reader started")
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

	r.log.WithComponent("bitglobal_reader").Info("stopping bitglobal reader")
	cancel()
	r.wg.Wait()
	r.log.WithComponent("bitglobal_reader").Info("bitglobal reader stopped")
}
