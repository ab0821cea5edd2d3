// Package x402 implements the client side of the x402 v1 "exact" EVM payment
// scheme as an http.RoundTripper.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	Version = 1

	SchemeExact = "exact"

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	// USDCDecimals is the token precision assumed when converting USDC
	// amounts to atomic units.
	USDCDecimals = 6
)

// PaymentRequired is the JSON body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

type PaymentRequirements struct {
	Scheme            string     `json:"scheme"`
	Network           string     `json:"network"`
	MaxAmountRequired string     `json:"maxAmountRequired"`
	Resource          string     `json:"resource"`
	Description       string     `json:"description,omitempty"`
	MimeType          string     `json:"mimeType,omitempty"`
	PayTo             string     `json:"payTo"`
	MaxTimeoutSeconds int        `json:"maxTimeoutSeconds"`
	Asset             string     `json:"asset"`
	Extra             *AssetInfo `json:"extra,omitempty"`
}

// AssetInfo carries the EIP-712 domain of the token contract.
type AssetInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (r PaymentRequirements) Amount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("x402: invalid maxAmountRequired %q", r.MaxAmountRequired)
	}
	return v, nil
}

type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

type ExactEVMPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization mirrors the EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Encode renders the payload for the X-PAYMENT header.
func (p PaymentPayload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: encode payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodePaymentPayload(header string) (PaymentPayload, error) {
	var p PaymentPayload
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return p, fmt.Errorf("x402: decode payment header: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("x402: decode payment payload: %w", err)
	}
	return p, nil
}

// SettleResponse is the decoded X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

func (s SettleResponse) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodeSettleResponse(header string) (SettleResponse, error) {
	var s SettleResponse
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return s, fmt.Errorf("x402: decode settle header: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("x402: decode settle response: %w", err)
	}
	return s, nil
}

// AtomicUSDC converts a USDC amount to token base units, truncating below
// one unit.
func AtomicUSDC(amount decimal.Decimal) *big.Int {
	return amount.Shift(USDCDecimals).Truncate(0).BigInt()
}

func FormatUSDC(atomic *big.Int) string {
	return decimal.NewFromBigInt(atomic, -USDCDecimals).String()
}

var chainIDs = map[string]int64{
	"base":           8453,
	"base-sepolia":   84532,
	"eip155:8453":    8453,
	"eip155:84532":   84532,
	"avalanche":      43114,
	"avalanche-fuji": 43113,
	"polygon":        137,
	"polygon-amoy":   80002,
}

// ChainID maps an x402 network name to its EVM chain id.
func ChainID(network string) (int64, bool) {
	id, ok := chainIDs[network]
	return id, ok
}
