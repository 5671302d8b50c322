package symbols

import "strings"

// quoteAssets are tried longest first when splitting concatenated symbols.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "EUR", "TRY", "BTC", "ETH", "BNB"}

// ToBinance converts an exchange symbol to Binance style: uppercase with no
// separator.
func ToBinance(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "bitglobal":
		sym = strings.ReplaceAll(sym, "-", "")
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	default:
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}

// ToPair converts an exchange symbol to the canonical BASE-QUOTE trading pair
// used on every normalized message. Unknown quotes are returned unchanged.
func ToPair(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "bitglobal":
		return sym
	default:
		sym = strings.ReplaceAll(sym, "/", "-")
		if strings.Contains(sym, "-") {
			return sym
		}
		for _, q := range quoteAssets {
			if strings.HasSuffix(sym, q) && len(sym) > len(q) {
				return sym[:len(sym)-len(q)] + "-" + q
			}
		}
		return sym
	}
}

// SplitPair returns the base and quote assets of a BASE-QUOTE pair.
func SplitPair(pair string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(pair, "-")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}
