// Package x402test provides an in-process x402 paywall for tests.
package x402test

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"asrai-mcp/internal/x402"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DefaultAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

// Paywall answers unpaid requests with a 402 challenge and only lets
// requests through whose X-PAYMENT header carries a valid signature.
type Paywall struct {
	Network string
	Asset   string
	PayTo   string
	Price   *big.Int

	mu         sync.Mutex
	payments   []x402.PaymentPayload
	challenges int
}

// New returns a base-sepolia paywall charging 1000 atomic units (0.001 USDC).
func New() *Paywall {
	return &Paywall{
		Network: "base-sepolia",
		Asset:   DefaultAsset,
		PayTo:   DefaultPayTo,
		Price:   big.NewInt(1000),
	}
}

func (p *Paywall) Requirement(r *http.Request) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           p.Network,
		MaxAmountRequired: p.Price.String(),
		Resource:          "http://" + r.Host + r.URL.RequestURI(),
		MimeType:          "application/json",
		PayTo:             p.PayTo,
		MaxTimeoutSeconds: 60,
		Asset:             p.Asset,
		Extra:             &x402.AssetInfo{Name: "USDC", Version: "2"},
	}
}

func (p *Paywall) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := p.Requirement(r)

		header := r.Header.Get(x402.HeaderPayment)
		if header == "" {
			p.mu.Lock()
			p.challenges++
			p.mu.Unlock()
			p.challenge(w, req, "X-PAYMENT header is required")
			return
		}

		payload, err := x402.DecodePaymentPayload(header)
		if err != nil {
			p.challenge(w, req, err.Error())
			return
		}
		if reason := verify(payload, req); reason != "" {
			p.challenge(w, req, reason)
			return
		}

		p.mu.Lock()
		p.payments = append(p.payments, payload)
		p.mu.Unlock()

		settle := x402.SettleResponse{
			Success:     true,
			Transaction: "0x" + strings.Repeat("ab", 32),
			Network:     payload.Network,
			Payer:       payload.Payload.Authorization.From,
		}
		if encoded, err := settle.Encode(); err == nil {
			w.Header().Set(x402.HeaderPaymentResponse, encoded)
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Paywall) Payments() []x402.PaymentPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]x402.PaymentPayload(nil), p.payments...)
}

func (p *Paywall) Challenges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.challenges
}

func (p *Paywall) challenge(w http.ResponseWriter, req x402.PaymentRequirements, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(x402.PaymentRequired{
		X402Version: x402.Version,
		Accepts:     []x402.PaymentRequirements{req},
		Error:       reason,
	})
}

func verify(payload x402.PaymentPayload, req x402.PaymentRequirements) string {
	auth := payload.Payload.Authorization
	switch {
	case payload.Scheme != req.Scheme || payload.Network != req.Network:
		return "scheme_mismatch"
	case auth.Value != req.MaxAmountRequired:
		return "invalid_value"
	case !strings.EqualFold(auth.To, req.PayTo):
		return "invalid_recipient"
	}

	typed, err := x402.TypedData(auth, req)
	if err != nil {
		return err.Error()
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return err.Error()
	}
	sig := common.FromHex(payload.Payload.Signature)
	if len(sig) != 65 || sig[64] < 27 {
		return "invalid_signature"
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "invalid_signature"
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(auth.From) {
		return "invalid_signature"
	}
	return ""
}
