// Package service contains the application services behind the CLI and the dashboard API.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/auth"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/limiter"
	"github.com/and161185/medledger/internal/metrics"
	"github.com/and161185/medledger/internal/model"
)

// Challenge is a pending login for an address.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is the result of a successful wallet login.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Address   common.Address `json:"address"`
	Role      model.Role     `json:"role"`
}

// AuthService defines wallet-signature login.
type AuthService interface {
	// Challenge issues a one-time message for addr to sign.
	Challenge(ctx context.Context, addr common.Address) (Challenge, error)
	// LoginWithIP verifies the signed challenge, applies rate limiting by (address, ip)
	// and issues a token for an active on-chain user.
	LoginWithIP(ctx context.Context, addr common.Address, sig []byte, ip string) (Session, error)
}

type AuthServiceImpl struct {
	ledger    ledger.Reader
	nonces    auth.NonceStore
	lim       limiter.Limiter
	signKey   []byte
	accessTTL time.Duration
	nonceTTL  time.Duration
	log       *zap.Logger
}

var _ AuthService = (*AuthServiceImpl)(nil)

// AuthConfig wires an AuthServiceImpl. A nil Limiter disables throttling.
type AuthConfig struct {
	Ledger    ledger.Reader
	Nonces    auth.NonceStore
	Limiter   limiter.Limiter
	SignKey   []byte
	AccessTTL time.Duration
	NonceTTL  time.Duration
	Logger    *zap.Logger
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(cfg AuthConfig) *AuthServiceImpl {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	nonceTTL := cfg.NonceTTL
	if nonceTTL <= 0 {
		nonceTTL = 5 * time.Minute
	}
	return &AuthServiceImpl{
		ledger:    cfg.Ledger,
		nonces:    cfg.Nonces,
		lim:       cfg.Limiter,
		signKey:   cfg.SignKey,
		accessTTL: cfg.AccessTTL,
		nonceTTL:  nonceTTL,
		log:       log,
	}
}

// Challenge stores a fresh nonce for addr, replacing any pending one.
func (s *AuthServiceImpl) Challenge(ctx context.Context, addr common.Address) (Challenge, error) {
	if addr == (common.Address{}) {
		return Challenge{}, fmt.Errorf("zero address: %w", errs.ErrPrecondition)
	}
	nonce, err := auth.NewNonce()
	if err != nil {
		return Challenge{}, err
	}
	if err := s.nonces.Put(ctx, addr, nonce, s.nonceTTL); err != nil {
		return Challenge{}, err
	}
	return Challenge{
		Nonce:     nonce,
		Message:   auth.ChallengeMessage(addr, nonce),
		ExpiresAt: time.Now().Add(s.nonceTTL).UTC(),
	}, nil
}

// LoginWithIP authenticates with rate limiting by (address, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, addr common.Address, sig []byte, ip string) (Session, error) {
	ipHash := limiter.HashIP(ip)
	account := addr.Hex()

	if s.lim != nil {
		allowed, retry, err := s.lim.Allow(ctx, account, ipHash)
		if err != nil {
			return Session{}, err
		}
		if !allowed {
			metrics.Logins.WithLabelValues("limited").Inc()
			return Session{}, fmt.Errorf("retry in %s: %w", retry.Round(time.Second), errs.ErrRateLimited)
		}
	}

	rec, err := s.verify(ctx, addr, sig)
	if err != nil {
		if errors.Is(err, errs.ErrUnavailable) {
			return Session{}, err
		}
		metrics.Logins.WithLabelValues("rejected").Inc()
		s.log.Info("login rejected", zap.String("address", account), zap.Error(err))
		if s.lim != nil {
			if blocked, _, ferr := s.lim.Failure(ctx, account, ipHash); ferr == nil && blocked {
				return Session{}, errs.ErrRateLimited
			}
		}
		// the reason is logged, never returned
		return Session{}, errs.ErrUnauthorized
	}

	if s.lim != nil {
		_ = s.lim.Success(ctx, account, ipHash)
	}
	token, exp, err := auth.NewToken(s.signKey, addr, rec.Role, s.accessTTL)
	if err != nil {
		return Session{}, err
	}
	metrics.Logins.WithLabelValues("ok").Inc()
	return Session{Token: token, ExpiresAt: exp, Address: addr, Role: rec.Role}, nil
}

// verify consumes the pending nonce, checks the signer and requires an active record.
func (s *AuthServiceImpl) verify(ctx context.Context, addr common.Address, sig []byte) (model.UserRecord, error) {
	nonce, err := s.nonces.Take(ctx, addr)
	if err != nil {
		return model.UserRecord{}, err
	}
	signer, err := auth.RecoverSigner(auth.ChallengeMessage(addr, nonce), sig)
	if err != nil {
		return model.UserRecord{}, err
	}
	if signer != addr {
		return model.UserRecord{}, fmt.Errorf("signed by %s", signer.Hex())
	}
	rec, err := s.ledger.User(ctx, addr)
	if err != nil {
		return model.UserRecord{}, err
	}
	if !rec.IsActive {
		return model.UserRecord{}, errors.New("not an active user")
	}
	return rec, nil
}
