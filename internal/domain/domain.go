package domain

import "strings"

const (
	Timeframe1D = "1D"
	Timeframe4H = "4H"
	Timeframe1W = "1W"

	DefaultTimeframe = Timeframe1D

	quoteAsset = "usdt"
)

var SupportedTimeframes = []string{Timeframe1D, Timeframe4H, Timeframe1W}

type CashflowMode string

const (
	CashflowMarket CashflowMode = "market"
	CashflowCoin   CashflowMode = "coin"
	CashflowGroup  CashflowMode = "group"
)

var CashflowModes = []string{string(CashflowMarket), string(CashflowCoin), string(CashflowGroup)}

// RequiresSymbol reports whether the mode scopes cashflow to specific coins.
func (m CashflowMode) RequiresSymbol() bool {
	return m == CashflowCoin || m == CashflowGroup
}

// ScreenerTypes is the closed set of upstream screeners, in catalog order.
var ScreenerTypes = []string{
	"ichimoku-trend",
	"sar-coins",
	"macd-coins",
	"emacross",
	"techrating",
	"vwap",
	"volume",
	"highvolumelowcap",
	"bounce-dip",
	"galaxyscore",
	"socialdominance",
	"late-unlocked-coins",
	"ath",
	"rsi",
	"rsi-heatmap",
	"ao",
}

// CanonicalPair maps a coin symbol to its USDT trading pair segment:
// "BTC", "btcusdt" and "BTCUSDT" all become "btcusdt".
func CanonicalPair(symbol string) string {
	s := strings.ToLower(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, quoteAsset)
	return s + quoteAsset
}

func IsTimeframe(tf string) bool {
	return contains(SupportedTimeframes, tf)
}

func IsScreener(name string) bool {
	return contains(ScreenerTypes, name)
}

func IsCashflowMode(mode string) bool {
	return contains(CashflowModes, mode)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
