/*
Package payments turns Cashu ecash tokens into credited lease time.

The Decoder is the single gate every token passes through, for spawns
and topups alike:

	raw token
	   │ Parse (gonuts)          reject malformed tokens
	   │ unit → msats            sat and msat only
	   │ mint whitelist          normalized URL prefix match
	   │ redemption set          token id already seen → refuse
	   │ wallet.Receive          swap at the mint, 30s budget
	   ▼
	msats credited, redemption recorded

FaceValue evaluates a token without touching the mint; the dispatcher
uses it to size the lease before committing to a redemption.

# Double-spend handling

Replay protection is local: the SHA-256 of the raw token (TokenID) is
checked against and inserted into a persisted redemption set around the
mint call. The mint itself is the final arbiter of double spends, so a
token that races past the local check still fails the swap. The set is
never pruned; refusing an already-redeemed token is always correct.

# Errors

Sentinel errors (ErrMintNotWhitelisted, ErrTokenAlreadyUsed,
ErrUnsupportedUnit, ErrRedemptionFailed) classify failures for the
dispatcher, which maps them onto wire error kinds. Parse failures wrap
the gonuts error.

The Parser, Wallet, and RedemptionStore interfaces keep the pipeline
testable without a live mint; NoteParser and MintWallet are the gonuts
implementations used in production.
*/
package payments
