package x402

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrNoSupportedRequirement = errors.New("x402: no supported payment requirement")
	ErrPaymentTooLarge        = errors.New("x402: payment exceeds configured maximum")
)

const (
	defaultAssetName    = "USD Coin"
	defaultAssetVersion = "2"

	// validAfter is backdated to tolerate clock skew against the facilitator.
	clockSkew = 600 * time.Second

	defaultValidity = 60 * time.Second
)

// Signer produces 65-byte secp256k1 signatures over 32-byte digests.
type Signer interface {
	Address() common.Address
	SignHash(hash []byte) ([]byte, error)
}

// Choose returns the first "exact" requirement on a known EVM network whose
// amount does not exceed max. A nil max accepts any amount.
func Choose(accepts []PaymentRequirements, max *big.Int) (PaymentRequirements, error) {
	var tooLarge error
	for _, req := range accepts {
		if req.Scheme != SchemeExact {
			continue
		}
		if _, ok := ChainID(req.Network); !ok {
			continue
		}
		amount, err := req.Amount()
		if err != nil {
			continue
		}
		if max != nil && amount.Cmp(max) > 0 {
			tooLarge = fmt.Errorf("%w: %s USDC requested, %s USDC allowed", ErrPaymentTooLarge, FormatUSDC(amount), FormatUSDC(max))
			continue
		}
		return req, nil
	}
	if tooLarge != nil {
		return PaymentRequirements{}, tooLarge
	}
	return PaymentRequirements{}, ErrNoSupportedRequirement
}

// Authorize signs a TransferWithAuthorization for the requirement.
func Authorize(signer Signer, req PaymentRequirements, version int, now time.Time) (PaymentPayload, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return PaymentPayload{}, fmt.Errorf("x402: generate nonce: %w", err)
	}

	validity := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if validity <= 0 {
		validity = defaultValidity
	}

	auth := Authorization{
		From:        signer.Address().Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       req.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-clockSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(validity).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	typed, err := TypedData(auth, req)
	if err != nil {
		return PaymentPayload{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("x402: hash typed data: %w", err)
	}
	sig, err := signer.SignHash(digest)
	if err != nil {
		return PaymentPayload{}, err
	}

	if version <= 0 {
		version = Version
	}
	return PaymentPayload{
		X402Version: version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactEVMPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}

// TypedData builds the EIP-712 document the authorization is signed over.
func TypedData(auth Authorization, req PaymentRequirements) (apitypes.TypedData, error) {
	chainID, ok := ChainID(req.Network)
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("%w: network %q", ErrNoSupportedRequirement, req.Network)
	}
	if !common.IsHexAddress(req.Asset) || !common.IsHexAddress(req.PayTo) {
		return apitypes.TypedData{}, fmt.Errorf("x402: invalid asset or payTo address")
	}

	name, version := defaultAssetName, defaultAssetVersion
	if req.Extra != nil {
		if req.Extra.Name != "" {
			name = req.Extra.Name
		}
		if req.Extra.Version != "" {
			version = req.Extra.Version
		}
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(req.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}, nil
}
