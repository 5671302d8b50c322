package models

type ChannelKind string

const (
	ChannelTrade     ChannelKind = "TRADE"
	ChannelOrderBook ChannelKind = "ORDERBOOK"
	ChannelUserOrder ChannelKind = "USER_ORDER"
)

// Subscription describes one stream's topics. It is built once and re-sent
// on every reconnect.
type Subscription struct {
	Kind  ChannelKind
	Pairs []string
}

// Args renders the topic list, e.g. "TRADE:BTC-USDT". The user order channel
// is account wide and renders as the single topic "ORDER".
func (s Subscription) Args() []string {
	if s.Kind == ChannelUserOrder {
		return []string{"ORDER"}
	}
	args := make([]string, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		args = append(args, string(s.Kind)+":"+p)
	}
	return args
}

func (s Subscription) Frame() Frame {
	args := s.Args()
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return Frame{Cmd: "subscribe", Args: out}
}

// Frame is an outbound websocket command.
type Frame struct {
	Cmd  string        `json:"cmd"`
	Args []interface{} `json:"args,omitempty"`
}

var PingFrame = Frame{Cmd: "ping"}
