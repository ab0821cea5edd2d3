package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"
)

const maxChallengeBytes = 64 << 10

// Transport answers 402 challenges by signing a payment with Signer and
// replaying the request once with the X-PAYMENT header.
type Transport struct {
	Base      http.RoundTripper
	Signer    Signer
	MaxAmount *big.Int
	// Approve, when set, sees the chosen amount before anything is signed.
	// An error aborts the payment and is returned from RoundTrip.
	Approve func(ctx context.Context, amount *big.Int) error
	Now     func() time.Time
	Logger  *slog.Logger
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}
	if t.Signer == nil {
		return resp, nil
	}

	required, err := readChallenge(resp)
	if err != nil {
		return nil, err
	}
	chosen, err := Choose(required.Accepts, t.MaxAmount)
	if err != nil {
		return nil, err
	}
	amount, err := chosen.Amount()
	if err != nil {
		return nil, err
	}
	if t.Approve != nil {
		if err := t.Approve(req.Context(), amount); err != nil {
			return nil, err
		}
	}
	payload, err := Authorize(t.Signer, chosen, required.X402Version, t.now())
	if err != nil {
		return nil, err
	}
	header, err := payload.Encode()
	if err != nil {
		return nil, err
	}

	retry, err := replay(req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set(HeaderPayment, header)
	retry.Header.Set("Access-Control-Expose-Headers", HeaderPaymentResponse)

	paid, err := t.base().RoundTrip(retry)
	if err != nil {
		return nil, err
	}

	logger := t.logger()
	if raw := paid.Header.Get(HeaderPaymentResponse); raw != "" {
		if settle, err := DecodeSettleResponse(raw); err != nil {
			logger.Warn("x402 settle header unreadable", "error", err)
		} else {
			logger.Debug("x402 payment settled",
				"payer", settle.Payer,
				"network", settle.Network,
				"transaction", settle.Transaction,
				"success", settle.Success,
				"amount_usdc", FormatUSDC(amount),
			)
		}
	}
	return paid, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func readChallenge(resp *http.Response) (PaymentRequired, error) {
	defer resp.Body.Close()

	var required PaymentRequired
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	if err != nil {
		return required, fmt.Errorf("x402: read payment challenge: %w", err)
	}
	if err := json.Unmarshal(raw, &required); err != nil {
		return required, fmt.Errorf("x402: decode payment challenge: %w", err)
	}
	if len(required.Accepts) == 0 {
		if required.Error != "" {
			return required, fmt.Errorf("%w: %s", ErrNoSupportedRequirement, required.Error)
		}
		return required, ErrNoSupportedRequirement
	}
	return required, nil
}

func replay(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("x402: request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("x402: replay request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}
