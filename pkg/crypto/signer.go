package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	errDigestLength    = errors.New("digest must be 32 bytes")
	errSignatureLength = errors.New("signature must be 65 bytes")
)

// Signer is a wallet key used to sign session typed data.
// Only dev tooling and tests hold one; the venue itself only recovers addresses.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func GenerateKey() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}
	return signerFor(key), nil
}

// FromPrivateKeyHex loads a key exported by a wallet, with or without 0x
func FromPrivateKeyHex(s string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return signerFor(key), nil
}

func signerFor(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address { return s.addr }

// PrivateKeyHex is printed by cmd/sign-session for generated dev keys only
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(s.key))
}

// Sign returns a 65-byte [R || S || V] signature with V in {0, 1}
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: got %d", errDigestLength, len(digest))
	}
	return crypto.Sign(digest, s.key)
}

// RecoverAddress returns the address that signed digest. V may be 0/1 or the
// 27/28 form browser wallets produce; the caller's slice is not modified.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	switch {
	case len(sig) != 65:
		return common.Address{}, fmt.Errorf("%w: got %d", errSignatureLength, len(sig))
	case len(digest) != 32:
		return common.Address{}, fmt.Errorf("%w: got %d", errDigestLength, len(digest))
	}

	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover session signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
