package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/medledger/internal/auth"
	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger/ledgertest"
	"github.com/and161185/medledger/internal/limiter"
	"github.com/and161185/medledger/internal/model"
)

type fakeLimiter struct {
	allowOK   bool
	allowErr  error
	failBlock bool
	fails     int
	successes int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (f *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	return f.allowOK, time.Minute, f.allowErr
}

func (f *fakeLimiter) Success(context.Context, string, []byte) error {
	f.successes++
	return nil
}

func (f *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	f.fails++
	return f.failBlock, time.Minute, nil
}

func newAuth(t *testing.T, l *ledgertest.Ledger, lim limiter.Limiter) *AuthServiceImpl {
	t.Helper()
	return NewAuthService(AuthConfig{
		Ledger:    l,
		Nonces:    auth.NewMemoryNonces(),
		Limiter:   lim,
		SignKey:   []byte("k"),
		AccessTTL: time.Hour,
		Logger:    zaptest.NewLogger(t),
	})
}

func TestAuth_LoginFlow(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	l := ledgertest.New(admin)
	if _, err := l.AddUser(ctx, addr, "Dr", model.RoleDoctor, ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	lim := &fakeLimiter{allowOK: true}
	s := newAuth(t, l, lim)

	ch, err := s.Challenge(ctx, addr)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	sig, err := auth.SignMessage(key, ch.Message)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := s.LoginWithIP(ctx, addr, sig, "1.2.3.4")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Role != model.RoleDoctor || sess.Address != addr || lim.successes != 1 {
		t.Fatalf("session: %+v", sess)
	}
	claims, err := auth.ParseToken([]byte("k"), sess.Token)
	if err != nil || claims.Address() != addr || claims.Role != model.RoleDoctor {
		t.Fatalf("token: %v %+v", err, claims)
	}

	// the nonce was consumed
	if _, err := s.LoginWithIP(ctx, addr, sig, "1.2.3.4"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("replay: want ErrUnauthorized, got %v", err)
	}
	if lim.fails != 1 {
		t.Fatalf("replay must count as a failure")
	}
}

func TestAuth_LoginRejections(t *testing.T) {
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	l := ledgertest.New(admin)

	t.Run("unknown user", func(t *testing.T) {
		s := newAuth(t, l, &fakeLimiter{allowOK: true})
		ch, _ := s.Challenge(ctx, addr)
		sig, _ := auth.SignMessage(key, ch.Message)
		if _, err := s.LoginWithIP(ctx, addr, sig, "ip"); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	if _, err := l.AddUser(ctx, addr, "Pat", model.RolePatient, ""); err != nil {
		t.Fatal(err)
	}

	t.Run("wrong signer", func(t *testing.T) {
		s := newAuth(t, l, &fakeLimiter{allowOK: true})
		ch, _ := s.Challenge(ctx, addr)
		sig, _ := auth.SignMessage(other, ch.Message)
		if _, err := s.LoginWithIP(ctx, addr, sig, "ip"); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})

	t.Run("blocked after failure", func(t *testing.T) {
		s := newAuth(t, l, &fakeLimiter{allowOK: true, failBlock: true})
		if _, err := s.LoginWithIP(ctx, addr, make([]byte, 65), "ip"); !errors.Is(err, errs.ErrRateLimited) {
			t.Fatalf("want ErrRateLimited, got %v", err)
		}
	})

	t.Run("limited before verification", func(t *testing.T) {
		lim := &fakeLimiter{allowOK: false}
		s := newAuth(t, l, lim)
		if _, err := s.LoginWithIP(ctx, addr, nil, "ip"); !errors.Is(err, errs.ErrRateLimited) {
			t.Fatalf("want ErrRateLimited, got %v", err)
		}
		if lim.fails != 0 {
			t.Fatalf("a limited attempt is not a new failure")
		}
	})

	t.Run("limiter error", func(t *testing.T) {
		boom := errors.New("boom")
		s := newAuth(t, l, &fakeLimiter{allowErr: boom})
		if _, err := s.LoginWithIP(ctx, addr, nil, "ip"); !errors.Is(err, boom) {
			t.Fatalf("want limiter error, got %v", err)
		}
	})

	t.Run("no limiter", func(t *testing.T) {
		s := newAuth(t, l, nil)
		ch, _ := s.Challenge(ctx, addr)
		sig, _ := auth.SignMessage(key, ch.Message)
		if _, err := s.LoginWithIP(ctx, addr, sig, "ip"); err != nil {
			t.Fatalf("Login: %v", err)
		}
	})
}
