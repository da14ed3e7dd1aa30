package relay

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Identity is a long-term relay keypair. Offers and heartbeats are
// signed with it; direct messages are encrypted against it.
type Identity struct {
	privateKey string
	PublicKey  string
}

// GenerateIdentity creates a fresh keypair.
func GenerateIdentity() (*Identity, error) {
	return IdentityFromKey(nostr.GeneratePrivateKey())
}

// IdentityFromKey accepts a hex or nsec encoded private key.
func IdentityFromKey(key string) (*Identity, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec key: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("invalid nsec key: unexpected prefix %q", prefix)
		}
		key = value.(string)
	}

	pub, err := nostr.GetPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Identity{privateKey: key, PublicKey: pub}, nil
}

// Npub is the bech32 public identifier clients address and display.
func (i *Identity) Npub() string {
	npub, _ := nip19.EncodePublicKey(i.PublicKey)
	return npub
}

// Nsec is the bech32 private key form, shown once at key generation.
func (i *Identity) Nsec() string {
	nsec, _ := nip19.EncodePrivateKey(i.privateKey)
	return nsec
}

func (i *Identity) sign(ev *nostr.Event) error {
	return ev.Sign(i.privateKey)
}

// Encrypt seals plaintext for the given hex public key.
func (i *Identity) Encrypt(peerPub, plaintext string) (string, error) {
	secret, err := nip04.ComputeSharedSecret(peerPub, i.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive shared secret: %w", err)
	}
	ciphertext, err := nip04.Encrypt(plaintext, secret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt message: %w", err)
	}
	return ciphertext, nil
}

// Decrypt opens a message sealed by the given hex public key.
func (i *Identity) Decrypt(peerPub, ciphertext string) (string, error) {
	secret, err := nip04.ComputeSharedSecret(peerPub, i.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to derive shared secret: %w", err)
	}
	plaintext, err := nip04.Decrypt(ciphertext, secret)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt message: %w", err)
	}
	return plaintext, nil
}

// DecodePublicKey normalizes an npub or hex public key to lowercase hex.
func DecodePublicKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("invalid npub: unexpected prefix %q", prefix)
		}
		return value.(string), nil
	}

	s = strings.ToLower(s)
	if len(s) != 64 {
		return "", fmt.Errorf("invalid public key length %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return s, nil
}

// EncodeNpub is the display form of a hex public key.
func EncodeNpub(hexPub string) string {
	npub, _ := nip19.EncodePublicKey(hexPub)
	return npub
}
