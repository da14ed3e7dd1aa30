package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

// Token units accepted on the wire.
const (
	UnitSat  = "sat"
	UnitMsat = "msat"
)

// mintCallTimeout bounds the wallet's round trip to the mint.
const mintCallTimeout = 30 * time.Second

var (
	// ErrUnsupportedUnit is returned for token units other than sat/msat.
	ErrUnsupportedUnit = errors.New("unsupported token unit")

	// ErrMintNotWhitelisted is returned when the token's mint does not
	// match any whitelist entry.
	ErrMintNotWhitelisted = errors.New("mint not whitelisted")

	// ErrTokenAlreadyUsed is returned when the token identifier is
	// already in the redemption set.
	ErrTokenAlreadyUsed = errors.New("token already used")

	// ErrRedemptionFailed wraps a wallet failure at the mint.
	ErrRedemptionFailed = errors.New("token redemption failed")
)

// Note is the face of a parsed token before any mint contact: where it
// was minted, its unit, and its face value in that unit.
type Note struct {
	Raw       string
	Mint      string
	Unit      string
	FaceValue uint64
}

// Parser extracts a Note from a raw token string without contacting the
// mint.
type Parser interface {
	Parse(raw string) (Note, error)
}

// Wallet swaps a bearer token at its mint into proofs this provider
// controls. The returned amount is in millisatoshis.
type Wallet interface {
	Redeem(ctx context.Context, raw string) (uint64, error)
}

// RedemptionStore is the persistent at-most-once set. *storage.BoltStore
// satisfies it.
type RedemptionStore interface {
	HasRedemption(tokenID string) (bool, error)
	PutRedemption(rec *types.Redemption) error
}

// Decoder runs the full acceptance pipeline for incoming tokens: parse,
// unit conversion, mint whitelist, replay check, redemption.
type Decoder struct {
	parser    Parser
	wallet    Wallet
	store     RedemptionStore
	whitelist []string
	logger    zerolog.Logger
}

// NewDecoder creates a Decoder. Whitelist entries are normalized once
// here; tokens from any mint whose normalized URL equals or extends an
// entry are accepted.
func NewDecoder(parser Parser, wallet Wallet, store RedemptionStore, whitelist []string) *Decoder {
	normalized := make([]string, 0, len(whitelist))
	for _, entry := range whitelist {
		normalized = append(normalized, NormalizeMintURL(entry))
	}
	return &Decoder{
		parser:    parser,
		wallet:    wallet,
		store:     store,
		whitelist: normalized,
		logger:    log.WithComponent("payments"),
	}
}

// NormalizeMintURL canonicalizes a mint URL for comparison: trailing
// slashes dropped, lowercased.
func NormalizeMintURL(url string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(url), "/"))
}

// TokenID derives the redemption-set identifier for a token: the SHA-256
// of the exact string as received. Any textual variation is a different
// identifier; the mint remains the authority on double-spends.
func TokenID(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FaceValue parses the token and returns its face value in msats without
// contacting the mint. Spawn uses this for tier arithmetic before
// deciding to redeem.
func (d *Decoder) FaceValue(raw string) (uint64, error) {
	note, err := d.parser.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token: %w", err)
	}
	return toMsats(note.FaceValue, note.Unit)
}

// Redeem runs the pipeline on the token and, on success, burns its
// identifier and returns the face value in msats. workloadID associates
// the redemption with an existing lease for audit; pass 0 when the
// lease does not exist yet.
func (d *Decoder) Redeem(ctx context.Context, raw string, workloadID int) (uint64, error) {
	note, err := d.parser.Parse(raw)
	if err != nil {
		metrics.RedemptionsTotal.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("failed to parse token: %w", err)
	}

	msats, err := toMsats(note.FaceValue, note.Unit)
	if err != nil {
		metrics.RedemptionsTotal.WithLabelValues("invalid").Inc()
		return 0, err
	}

	if !d.mintAllowed(note.Mint) {
		metrics.RedemptionsTotal.WithLabelValues("rejected_mint").Inc()
		return 0, fmt.Errorf("%w: %s", ErrMintNotWhitelisted, note.Mint)
	}

	// Replay check before the mint call. The set only grows after a
	// successful swap, so a token that failed at the mint stays
	// retryable; the mint itself serializes true concurrent replays.
	tokenID := TokenID(raw)
	used, err := d.store.HasRedemption(tokenID)
	if err != nil {
		return 0, fmt.Errorf("failed to check redemption set: %w", err)
	}
	if used {
		metrics.RedemptionsTotal.WithLabelValues("replayed").Inc()
		return 0, ErrTokenAlreadyUsed
	}

	redeemCtx, cancel := context.WithTimeout(ctx, mintCallTimeout)
	defer cancel()

	received, err := d.wallet.Redeem(redeemCtx, raw)
	if err != nil {
		metrics.RedemptionsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("%w: %v", ErrRedemptionFailed, err)
	}
	if received != msats {
		// Mint fees can shave the received amount; the face value
		// stays authoritative for duration arithmetic.
		d.logger.Debug().
			Uint64("face_msats", msats).
			Uint64("received_msats", received).
			Msg("redeemed amount differs from face value")
	}

	if err := d.store.PutRedemption(&types.Redemption{
		TokenID:     tokenID,
		AmountMsats: msats,
		WorkloadID:  workloadID,
		RedeemedAt:  time.Now().Unix(),
	}); err != nil {
		// The swap went through; losing the journal write must not
		// hand the client a free failure. Surface it loudly instead.
		d.logger.Error().Err(err).Str("token_id", tokenID).
			Msg("failed to journal redemption")
	}

	metrics.RedemptionsTotal.WithLabelValues("ok").Inc()
	metrics.PaymentsMsats.Add(float64(msats))

	d.logger.Info().
		Str("mint", note.Mint).
		Uint64("msats", msats).
		Msg("token redeemed")

	return msats, nil
}

func (d *Decoder) mintAllowed(mint string) bool {
	normalized := NormalizeMintURL(mint)
	for _, entry := range d.whitelist {
		if strings.HasPrefix(normalized, entry) {
			return true
		}
	}
	return false
}

// toMsats converts a face value in the token's unit to millisatoshis.
func toMsats(value uint64, unit string) (uint64, error) {
	switch unit {
	case UnitSat, "":
		return value * 1000, nil
	case UnitMsat:
		return value, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedUnit, unit)
	}
}
