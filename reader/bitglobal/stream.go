package bitglobal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cryptolink/internal/metrics"
	"cryptolink/internal/wsconn"
	"cryptolink/logger"
	"cryptolink/models"
	"cryptolink/processor"
)

// ErrAuthFailed wraps every rejection of the websocket auth frame.
var ErrAuthFailed = errors.New("bitglobal: websocket authentication failed")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "DISCONNECTED"
	}
}

// DialFunc opens a transport. wsconn.Dial is used unless replaced.
type DialFunc func(ctx context.Context, url string, opts wsconn.Options) (*wsconn.Transport, error)

type StreamConfig struct {
	// Name labels logs and metrics, e.g. "trades" or "user".
	Name         string
	URL          string
	Subscription models.Subscription
	// Auth is required for the user stream and nil otherwise.
	Auth            *Auth
	FatalAuthErrors bool
	Backoff         time.Duration
	Transport       wsconn.Options
	// Snapshots, when set, outlives sessions and is shared with the REST
	// snapshot poller so the snapshot queue never goes backwards per pair.
	Snapshots *processor.Sequencer
}

// Supervisor keeps one logical stream alive. Each session owns a fresh
// transport and a fresh diff sequencer.
type Supervisor struct {
	cfg  StreamConfig
	sink Sink
	dial DialFunc
	log  *logger.Log

	state    atomic.Int32
	lastRecv atomic.Int64
	attempts atomic.Int64

	// observe, when set, sees every state transition.
	observe func(State)
}

func NewSupervisor(cfg StreamConfig, sink Sink) *Supervisor {
	if cfg.URL == "" {
		cfg.URL = DefaultWSURL
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.Transport.PingFrame == nil {
		cfg.Transport.PingFrame = models.PingFrame
	}
	return &Supervisor{
		cfg:  cfg,
		sink: sink,
		dial: wsconn.Dial,
		log:  logger.GetLogger(),
	}
}

// WithDialer replaces the transport factory.
func (s *Supervisor) WithDialer(dial DialFunc) *Supervisor {
	s.dial = dial
	return s
}

func (s *Supervisor) Name() string { return s.cfg.Name }

func (s *Supervisor) State() State { return State(s.state.Load()) }

// LastRecvTime is the arrival time of the most recent frame, zero before
// the first one.
func (s *Supervisor) LastRecvTime() time.Time {
	ns := s.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reconnects counts failed sessions.
func (s *Supervisor) Reconnects() int64 { return s.attempts.Load() }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetStreamState(ExchangeName, s.cfg.Name, int(st))
	if s.observe != nil {
		s.observe(st)
	}
}

// Run reconnects until ctx is cancelled. It returns ctx.Err() on
// cancellation, or the auth error when FatalAuthErrors is set.
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.log.WithComponent("bitglobal_stream").WithFields(logger.Fields{
		"stream": s.cfg.Name,
		"url":    s.cfg.URL,
	})
	defer s.setState(StateDisconnected)

	for {
		state, err := s.session(ctx)
		if ctx.Err() != nil {
			log.Info("stream stopped")
			return ctx.Err()
		}

		attempt := s.attempts.Add(1)
		entry := log.WithError(err).WithFields(logger.Fields{
			"state":   state.String(),
			"attempt": attempt,
		})

		if errors.Is(err, ErrAuthFailed) && s.cfg.FatalAuthErrors {
			entry.Error("authentication rejected, giving up")
			return err
		}

		entry.WithField("backoff", s.cfg.Backoff.String()).Warn("stream session ended, reconnecting")
		metrics.IncReconnect(ExchangeName, s.cfg.Name)
		logger.IncrementReconnect(s.cfg.Name)

		s.setState(StateBackoff)
		timer := time.NewTimer(s.cfg.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection to completion and reports the state it
// failed in.
func (s *Supervisor) session(ctx context.Context) (State, error) {
	s.setState(StateConnecting)
	t, err := s.dial(ctx, s.cfg.URL, s.cfg.Transport)
	if err != nil {
		return StateConnecting, fmt.Errorf("connect: %w", err)
	}
	defer t.Close()

	if s.cfg.Auth != nil {
		s.setState(StateAuthenticating)
		if err := s.authenticate(ctx, t); err != nil {
			return StateAuthenticating, err
		}
	}

	s.setState(StateSubscribing)
	if err := t.Send(s.cfg.Subscription.Frame()); err != nil {
		return StateSubscribing, fmt.Errorf("subscribe: %w", err)
	}

	seq := processor.NewSequencer(ExchangeName, s.cfg.Name)
	d := NewDispatcher(s.cfg.Name, s.cfg.Subscription, s.sink, seq).WithSnapshotSequencer(s.cfg.Snapshots)
	d.log = s.log

	s.setState(StateStreaming)
	for {
		raw, err := t.Next(ctx)
		if err != nil {
			return StateStreaming, err
		}
		s.lastRecv.Store(time.Now().UnixNano())
		logger.IncrementStreamMessage(s.cfg.Name, len(raw))

		if _, err := d.Dispatch(ctx, raw); err != nil {
			var ee *ExchangeError
			if errors.As(err, &ee) {
				if ee.IsAuthError() {
					return StateStreaming, fmt.Errorf("%w: %v", ErrAuthFailed, ee)
				}
				continue
			}
			return StateStreaming, err
		}
	}
}

// authenticate sends the auth frame and waits for its verdict. Connect
// acknowledgements and pongs that arrive first are skipped.
func (s *Supervisor) authenticate(ctx context.Context, t *wsconn.Transport) error {
	raw, err := t.Request(ctx, s.cfg.Auth.WSAuthFrame())
	if err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}
	for {
		s.lastRecv.Store(time.Now().UnixNano())
		frame, err := ParseFrame(raw)
		if err != nil {
			return err
		}
		switch frame.Class() {
		case ClassAuthAck:
			s.log.WithComponent("bitglobal_stream").WithFields(logger.Fields{
				"stream": s.cfg.Name,
			}).Info("websocket authenticated")
			return nil
		case ClassError:
			return fmt.Errorf("%w: %v", ErrAuthFailed, &ExchangeError{Code: frame.Code, Message: frame.Msg})
		case ClassConnectAck, ClassPong:
		default:
			return fmt.Errorf("%w: unexpected response code %q", ErrAuthFailed, frame.Code)
		}

		raw, err = t.Next(ctx)
		if err != nil {
			return err
		}
	}
}
