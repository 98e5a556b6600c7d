// Package auth implements wallet-signature login primitives: one-time challenges, EIP-191
// signature recovery and HS256 session tokens.
package auth

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/medledger/internal/errs"
)

// NewNonce returns a random challenge nonce.
func NewNonce() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ChallengeMessage is the text a wallet signs to log in.
func ChallengeMessage(addr common.Address, nonce string) string {
	return fmt.Sprintf("Sign in to MedLedger\n\nAddress: %s\nNonce: %s", addr.Hex(), nonce)
}

// SignMessage signs msg the way personal_sign does, with a 27/28 recovery byte.
func SignMessage(key *ecdsa.PrivateKey, msg string) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address whose key produced sig over msg. Both 0/1 and 27/28
// recovery bytes are accepted.
func RecoverSigner(msg string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d: %w", len(sig), errs.ErrUnauthorized)
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %v: %w", err, errs.ErrUnauthorized)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
