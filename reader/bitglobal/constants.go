package bitglobal

import "time"

const (
	ExchangeName = "bitglobal"

	DefaultRestURL = "https://global-openapi.bithumb.pro/openapi/v1"
	DefaultWSURL   = "wss://global-api.bithumb.pro/message/realtime"

	// wsAuthPath is the fixed path signed by the websocket auth frame.
	wsAuthPath = "/message/realtime"

	orderBookPath  = "/spot/orderBook"
	tradesPath     = "/spot/trades"
	tickerPath     = "/spot/ticker"
	spotConfigPath = "/spot/config"
	serverTimePath = "/serverTime"

	activeMarketsTTL = 1800 * time.Second
)

// Websocket response codes.
const (
	CodeAuthOK       = "00000"
	CodeSubscribeAck = "00001"
	CodeConnectAck   = "00002"
	CodeBatchData    = "00006"
	CodeLiveUpdate   = "00007"
	CodePong         = "0"

	// CodeAuthFailed is the error code the exchange uses for a rejected key.
	CodeAuthFailed = "10003"
)

// Websocket topics as they appear in data frames.
const (
	TopicTrade     = "TRADE"
	TopicOrderBook = "ORDERBOOK"
	TopicOrder     = "ORDER"
)

const (
	headerKey       = "OK-ACCESS-KEY"
	headerSign      = "OK-ACCESS-SIGN"
	headerTimestamp = "OK-ACCESS-TIMESTAMP"

	restTimestampLayout = "2006-01-02T15:04:05.000Z"
)
