package processor

import (
	"sync"

	"cryptolink/internal/metrics"
	"cryptolink/logger"
	"cryptolink/models"
)

type sequenceKey struct {
	msgType models.MessageType
	pair    string
}

// Sequencer enforces non-decreasing update ids per (message type, pair)
// within one stream session. Messages without an update id pass through.
type Sequencer struct {
	exchange string
	stream   string

	mu      sync.Mutex
	last    map[sequenceKey]int64
	dropped int64
	log     *logger.Log
}

func NewSequencer(exchange, stream string) *Sequencer {
	return &Sequencer{
		exchange: exchange,
		stream:   stream,
		last:     make(map[sequenceKey]int64),
		log:      logger.GetLogger(),
	}
}

// Accept reports whether msg may be forwarded and records its update id.
// A regression is counted and rejected.
func (s *Sequencer) Accept(msg models.Message) bool {
	if msg.UpdateID <= 0 {
		return true
	}

	k := sequenceKey{msgType: msg.Type, pair: msg.TradingPair}

	s.mu.Lock()
	prev, seen := s.last[k]
	if seen && msg.UpdateID < prev {
		s.dropped++
		s.mu.Unlock()

		metrics.IncSequenceRegression(s.exchange, string(msg.Type), msg.TradingPair)
		s.log.WithComponent("sequencer").WithFields(logger.Fields{
			"exchange":  s.exchange,
			"stream":    s.stream,
			"type":      msg.Type,
			"pair":      msg.TradingPair,
			"update_id": msg.UpdateID,
			"last_id":   prev,
		}).Warn("dropping out-of-order message")
		return false
	}
	s.last[k] = msg.UpdateID
	s.mu.Unlock()
	return true
}

// Reset forgets every recorded id. Called when a new session starts.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	s.last = make(map[sequenceKey]int64)
	s.mu.Unlock()
}

func (s *Sequencer) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// LastID returns the highest id accepted for the type and pair.
func (s *Sequencer) LastID(msgType models.MessageType, pair string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.last[sequenceKey{msgType: msgType, pair: pair}]
	return id, ok
}
