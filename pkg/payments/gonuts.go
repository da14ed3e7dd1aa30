package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/wallet"
)

// NoteParser parses cashu V3/V4 tokens.
type NoteParser struct{}

// NewNoteParser creates a parser for raw token strings.
func NewNoteParser() *NoteParser {
	return &NoteParser{}
}

// Parse decodes the token and reads its mint, unit and face value. No
// network involved.
func (p *NoteParser) Parse(raw string) (Note, error) {
	token, err := cashu.DecodeToken(strings.TrimSpace(raw))
	if err != nil {
		return Note{}, fmt.Errorf("invalid cashu token: %w", err)
	}

	note := Note{
		Raw:       raw,
		Mint:      token.Mint(),
		Unit:      UnitSat,
		FaceValue: token.Amount(),
	}

	// The token interface does not expose the unit; read it off the
	// concrete versions. Tokens without a unit default to sat.
	switch t := token.(type) {
	case *cashu.TokenV3:
		if t.Unit != "" {
			note.Unit = t.Unit
		}
	case *cashu.TokenV4:
		if t.Unit != "" {
			note.Unit = t.Unit
		}
	}

	return note, nil
}

// MintWallet redeems tokens by swapping them into a local wallet.
// The wallet keeps its proofs under dataDir and swaps received tokens
// to its configured mint.
type MintWallet struct {
	wallet *wallet.Wallet
}

// NewMintWallet opens (or creates) the local wallet. mintURL is the
// provider's own trusted mint, typically the first whitelist entry.
func NewMintWallet(dataDir, mintURL string) (*MintWallet, error) {
	w, err := wallet.LoadWallet(wallet.Config{
		WalletPath:     dataDir,
		CurrentMintURL: mintURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet: %w", err)
	}
	return &MintWallet{wallet: w}, nil
}

// Redeem swaps the token at its mint and returns the received amount in
// msats. The swap is synchronous; the caller bounds it with ctx.
func (m *MintWallet) Redeem(ctx context.Context, raw string) (uint64, error) {
	token, err := cashu.DecodeToken(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid cashu token: %w", err)
	}

	type result struct {
		sats uint64
		err  error
	}
	done := make(chan result, 1)
	go func() {
		// Swap to the untrusted token's own mint rather than forcing a
		// cross-mint transfer; operators sweep balances out of band.
		sats, err := m.wallet.Receive(token, false)
		done <- result{sats, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return 0, fmt.Errorf("mint swap failed: %w", res.err)
		}
		return res.sats * 1000, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
