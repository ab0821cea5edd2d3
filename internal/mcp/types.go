package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"asrai-mcp/internal/domain"
)

type emptyInput struct{}

type symbolInput struct {
	Symbol string `json:"symbol" jsonschema:"Coin symbol e.g. BTC, ETH, SOL"`
}

type symbolTimeframeInput struct {
	Symbol    string `json:"symbol" jsonschema:"Coin symbol e.g. BTC, ETH"`
	Timeframe string `json:"timeframe,omitempty" jsonschema:"Timeframe. Default: 1D"`
}

type screenerInput struct {
	ScreenerType string `json:"screener_type" jsonschema:"Type of screener to run"`
}

type cashflowInput struct {
	Mode   string `json:"mode" jsonschema:"Scope of cashflow data"`
	Symbol string `json:"symbol,omitempty" jsonschema:"Coin symbol (required for coin/group modes)"`
}

type dexscreenerInput struct {
	ContractAddress string `json:"contract_address" jsonschema:"Token contract address or symbol"`
	Chain           string `json:"chain,omitempty" jsonschema:"Optional chain e.g. ethereum, bsc, base, solana"`
}

type chainTokensInput struct {
	Chain   string     `json:"chain" jsonschema:"Chain e.g. ethereum, bsc, base, solana, avax"`
	MaxMcap flexString `json:"max_mcap" jsonschema:"Max market cap e.g. 10000000 (10M)"`
}

type portfolioInput struct {
	Symbol string `json:"symbol,omitempty" jsonschema:"Optional coin symbol to filter"`
}

type askInput struct {
	Question string `json:"question" jsonschema:"Your crypto market question"`
}

type guideInput struct {
	Indicator string `json:"indicator,omitempty" jsonschema:"Indicator name e.g. 'ALSAT', 'SuperALSAT', 'PMax'. Empty = compact list."`
}

// flexString accepts a JSON string or number. Agents often send numeric
// arguments unquoted.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// choiceError reports an argument outside its closed set of values.
type choiceError struct {
	Field   string
	Value   string
	Valid   []string
	Message string
}

func (e *choiceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s %q, expected one of: %s", e.Field, e.Value, strings.Join(e.Valid, ", "))
}

func requireArg(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return value, nil
}

// normalizePair validates a symbol and returns its escaped USDT pair segment.
func normalizePair(symbol string) (string, error) {
	symbol, err := requireArg("symbol", symbol)
	if err != nil {
		return "", err
	}
	return url.PathEscape(domain.CanonicalPair(symbol)), nil
}

func normalizeCoin(symbol string) (string, error) {
	symbol, err := requireArg("symbol", symbol)
	if err != nil {
		return "", err
	}
	return url.PathEscape(strings.ToLower(symbol)), nil
}

func normalizeTimeframe(tf string) (string, error) {
	tf = strings.ToUpper(strings.TrimSpace(tf))
	if tf == "" {
		return domain.DefaultTimeframe, nil
	}
	if !domain.IsTimeframe(tf) {
		return "", &choiceError{Field: "timeframe", Value: tf, Valid: domain.SupportedTimeframes}
	}
	return tf, nil
}

func normalizeScreener(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !domain.IsScreener(name) {
		return "", &choiceError{
			Field:   "screener_type",
			Value:   name,
			Valid:   domain.ScreenerTypes,
			Message: "Invalid screener. Choose from: " + strings.Join(domain.ScreenerTypes, ", "),
		}
	}
	return name, nil
}

// cashflowPath resolves mode and symbol to the upstream route. Group mode
// takes a comma-separated list; each member is escaped on its own.
func cashflowPath(mode, symbol string) (string, error) {
	m := domain.CashflowMode(strings.ToLower(strings.TrimSpace(mode)))
	if m == "" {
		m = domain.CashflowMarket
	}
	var members []string
	for _, p := range strings.Split(strings.ToLower(symbol), ",") {
		if p = strings.TrimSpace(p); p != "" {
			members = append(members, url.PathEscape(p))
		}
	}
	if !domain.IsCashflowMode(string(m)) || (m.RequiresSymbol() && len(members) == 0) {
		return "", &choiceError{
			Field:   "mode",
			Value:   string(m),
			Valid:   domain.CashflowModes,
			Message: "mode must be 'market', 'coin', or 'group'. coin/group require symbol.",
		}
	}
	if !m.RequiresSymbol() {
		return "/api/cashflow/market", nil
	}
	return "/api/cashflow/" + string(m) + "/" + strings.Join(members, ","), nil
}

func dexscreenerPath(address, chain string) (string, error) {
	address, err := requireArg("contract_address", address)
	if err != nil {
		return "", err
	}
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		return "/api/dexscreener/" + url.PathEscape(address), nil
	}
	return "/api/dexscreener/" + url.PathEscape(chain) + "/" + url.PathEscape(address), nil
}

func chainTokensPath(chain string, maxMcap flexString) (string, error) {
	chain, err := requireArg("chain", chain)
	if err != nil {
		return "", err
	}
	mcap, err := requireArg("max_mcap", string(maxMcap))
	if err != nil {
		return "", err
	}
	return "/api/chain/" + url.PathEscape(strings.ToLower(chain)) + "/" + url.PathEscape(mcap), nil
}

func portfolioPath(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return "/api/portfolio/"
	}
	return "/api/portfolio/" + url.PathEscape(strings.ToLower(symbol))
}
