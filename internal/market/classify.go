// internal/market/classify.go
package market

import (
	"strings"
)

// TradeClassification is the direction read off a trade's log lines.
type TradeClassification string

const (
	TradeBuy     TradeClassification = "buy"
	TradeSell    TradeClassification = "sell"
	TradeMixed   TradeClassification = "mixed"
	TradeUnknown TradeClassification = "unknown"
)

// The keyword tables are the single source of truth for trade
// classification. Matching is case-insensitive substring scan over
// every log line; both directions present means mixed.
var (
	buyKeywords = []string{
		"instruction: buy",
		"swap: buy",
		"buyexactin",
		" buy ",
	}
	sellKeywords = []string{
		"instruction: sell",
		"swap: sell",
		"sellexactin",
		" sell ",
	}
)

// ClassifyTradeLogs scans log lines against the keyword tables.
func ClassifyTradeLogs(logs []string) TradeClassification {
	var sawBuy, sawSell bool
	for _, line := range logs {
		lower := strings.ToLower(line)
		if !sawBuy && matchesAny(lower, buyKeywords) {
			sawBuy = true
		}
		if !sawSell && matchesAny(lower, sellKeywords) {
			sawSell = true
		}
		if sawBuy && sawSell {
			return TradeMixed
		}
	}
	switch {
	case sawBuy:
		return TradeBuy
	case sawSell:
		return TradeSell
	default:
		return TradeUnknown
	}
}

func matchesAny(line string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(line, kw) {
			return true
		}
	}
	return false
}
