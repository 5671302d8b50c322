package bitglobal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"cryptolink/models"
)

var ErrMissingCredentials = errors.New("bitglobal: api key and secret are required")

type Credentials struct {
	APIKey    string
	SecretKey string
}

// Header is one signed request header. Signed headers are returned as a
// slice sorted by Key.
type Header struct {
	Key   string
	Value string
}

// Auth signs REST requests and builds the websocket auth frame. It is safe
// for concurrent use.
type Auth struct {
	creds Credentials
	now   func() time.Time
}

type AuthOption func(*Auth)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) AuthOption {
	return func(a *Auth) { a.now = now }
}

func NewAuth(creds Credentials, opts ...AuthOption) (*Auth, error) {
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.SecretKey) == "" {
		return nil, ErrMissingCredentials
	}
	a := &Auth{creds: creds, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Auth) APIKey() string { return a.creds.APIKey }

// Sign returns the hex HMAC-SHA256 of message keyed by secret.
func Sign(message, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Auth) signature(path, timestamp string) string {
	return Sign([]byte(path+timestamp+a.creds.APIKey), []byte(a.creds.SecretKey))
}

// RestAuthHeaders signs path+timestamp+apiKey. Method and params do not take
// part in the signature; params are signed separately by ParamsSignature.
func (a *Auth) RestAuthHeaders(method, path string, params map[string]string, ts time.Time) []Header {
	timestamp := ts.UTC().Format(restTimestampLayout)
	headers := []Header{
		{Key: headerKey, Value: a.creds.APIKey},
		{Key: headerSign, Value: a.signature(path, timestamp)},
		{Key: headerTimestamp, Value: timestamp},
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })
	return headers
}

// WSAuthFrame builds {"cmd":"authKey","args":[key, unixSeconds, sign]}.
func (a *Auth) WSAuthFrame() models.Frame {
	ts := strconv.FormatInt(a.now().Unix(), 10)
	return models.Frame{
		Cmd:  "authKey",
		Args: []interface{}{a.creds.APIKey, ts, a.signature(wsAuthPath, ts)},
	}
}

// ParamsSignature signs the k=v pairs of params joined by & in key order.
func (a *Auth) ParamsSignature(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return Sign([]byte(b.String()), []byte(a.creds.SecretKey))
}
