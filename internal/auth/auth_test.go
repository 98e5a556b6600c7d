package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/model"
)

func TestSignature_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	msg := ChallengeMessage(addr, "n-1")
	sig, err := SignMessage(key, msg)
	require.NoError(t, err)
	require.GreaterOrEqual(t, sig[64], byte(27))

	got, err := RecoverSigner(msg, sig)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	// 0/1 recovery byte as produced by raw signers
	sig[64] -= 27
	got, err = RecoverSigner(msg, sig)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	// a different message recovers someone else
	other, err := RecoverSigner(ChallengeMessage(addr, "n-2"), sig)
	require.NoError(t, err)
	require.NotEqual(t, addr, other)

	_, err = RecoverSigner(msg, sig[:10])
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestToken_RoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	addr := common.HexToAddress("0xd0")

	tok, exp, err := NewToken(secret, addr, model.RoleDoctor, time.Minute)
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	c, err := ParseToken(secret, tok)
	require.NoError(t, err)
	require.Equal(t, addr, c.Address())
	require.Equal(t, model.RoleDoctor, c.Role)

	_, err = ParseToken([]byte("other"), tok)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	expired, _, err := NewToken(secret, addr, model.RoleDoctor, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: common.HexToAddress("0xd0").Hex()}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken([]byte("s3cret"), tok)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRedisNonces(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisNonces(rdb)
	ctx := context.Background()
	addr := common.HexToAddress("0xb1")

	require.NoError(t, s.Put(ctx, addr, "first", time.Minute))
	require.NoError(t, s.Put(ctx, addr, "second", time.Minute))
	n, err := s.Take(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "second", n)

	_, err = s.Take(ctx, addr)
	require.ErrorIs(t, err, errs.ErrNotFound, "a nonce is single use")

	require.NoError(t, s.Put(ctx, addr, "late", time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err = s.Take(ctx, addr)
	require.ErrorIs(t, err, errs.ErrNotFound)

	mr.Close()
	_, err = s.Take(ctx, addr)
	require.True(t, errors.Is(err, errs.ErrUnavailable), "got %v", err)
}

func TestMemoryNonces(t *testing.T) {
	s := NewMemoryNonces()
	now := time.Unix(1_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	addr := common.HexToAddress("0xb1")

	require.NoError(t, s.Put(ctx, addr, "n", time.Minute))
	n, err := s.Take(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "n", n)
	_, err = s.Take(ctx, addr)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.Put(ctx, addr, "n", time.Minute))
	now = now.Add(time.Minute)
	_, err = s.Take(ctx, addr)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
