// Package crypto implements wallet-signed sessions: a trader proves control of
// an Ethereum address by signing an EIP-712 typed message, and the venue
// uses the recovered address as the account ID.
package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "HyperBinary")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local, 1 for mainnet)
	VerifyingContract common.Address // Zero for off-chain signing
}

// SessionEIP712 is the login message a wallet signs
type SessionEIP712 struct {
	Account  common.Address // Wallet address claiming the session
	IssuedAt *big.Int       // Unix seconds; the server bounds its age
}

var sessionTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Session": []apitypes.Type{
		{Name: "account", Type: "address"},
		{Name: "issuedAt", Type: "uint256"},
	},
}

// EIP712Signer hashes, signs and verifies session messages for one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the EIP-712 domain for the given chain
func DefaultDomain(chainID int64) EIP712Domain {
	return EIP712Domain{
		Name:              "HyperBinary",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.Address{},
	}
}

func (e *EIP712Signer) typedData(s *SessionEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       sessionTypes,
		PrimaryType: "Session",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"account":  s.Account.Hex(),
			"issuedAt": s.IssuedAt.String(),
		},
	}
}

// HashSession returns the EIP-712 digest of a session message
func (e *EIP712Signer) HashSession(s *SessionEIP712) ([]byte, error) {
	if s.IssuedAt == nil {
		return nil, fmt.Errorf("session issuedAt is nil")
	}
	typedData := e.typedData(s)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func (e *EIP712Signer) SignSession(signer *Signer, s *SessionEIP712) ([]byte, error) {
	hash, err := e.HashSession(s)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session: %w", err)
	}
	return signature, nil
}

// VerifySession reports whether signature was produced by s.Account
func (e *EIP712Signer) VerifySession(s *SessionEIP712, signature []byte) (bool, error) {
	hash, err := e.HashSession(s)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, err
	}
	return recovered == s.Account, nil
}

// SessionToJSON renders the typed data for eth_signTypedData_v4
func (e *EIP712Signer) SessionToJSON(s *SessionEIP712) (string, error) {
	out, err := json.MarshalIndent(e.typedData(s), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
