package symbols

import "strings"

// Canonical converts venue-specific symbol formats to the canonical form used
// in partition paths, membership rows and reports: uppercase, no separators,
// BTC instead of XBT. Currently supported venues: binance, bybit, kucoin,
// coinbase, kraken, okx; anything else passes through uppercased.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// others already use the desired format
	}
	return sym
}

// quoteAssets lists the quote currencies recognised when splitting a
// canonical pair, longest first so USDT is tried before USD.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "EUR", "DAI", "BTC", "ETH"}

// ToVenue renders a canonical symbol the way the venue's API expects it.
// Kucoin wants dash-separated pairs (BTC-USDT); binance and bybit take the
// canonical form unchanged, as do equity venues.
func ToVenue(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "kucoin":
		for _, quote := range quoteAssets {
			base, ok := strings.CutSuffix(sym, quote)
			if ok && base != "" {
				return base + "-" + quote
			}
		}
		return sym
	default:
		return sym
	}
}
