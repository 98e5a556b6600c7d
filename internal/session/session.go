// Package session holds the explicit connection to the ledger: RPC client, network identity
// and the optional signing account.
package session

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/ledger"
)

// Client is the RPC surface a session needs. *ethclient.Client satisfies it.
type Client interface {
	ledger.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Config describes how to connect.
type Config struct {
	RPCURL   string
	Contract common.Address
	// PrivateKey is a hex secp256k1 key; empty opens a read-only session.
	PrivateKey   string
	LogPageSize  uint64
	PollInterval time.Duration
}

// Session is an open connection. Callers pass it (or its Ledger) to the components that need it.
type Session struct {
	client    Client
	ledger    *ledger.Ethereum
	networkID *big.Int
	chainID   *big.Int
	log       *zap.Logger
}

// Open dials cfg.RPCURL and verifies the contract is deployed on that network.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Session, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", cfg.RPCURL, errs.ErrUnavailable, err)
	}
	s, err := New(ctx, client, cfg, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// New builds a session over an existing client.
func New(ctx context.Context, client Client, cfg Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	networkID, err := client.NetworkID(ctx)
	if err != nil {
		return nil, wrapRPC("network id", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, wrapRPC("chain id", err)
	}
	code, err := client.CodeAt(ctx, cfg.Contract, nil)
	if err != nil {
		return nil, wrapRPC("contract code", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("no contract at %s on network %s, connect to the correct network: %w",
			cfg.Contract.Hex(), networkID, errs.ErrPrecondition)
	}

	opts := ledger.Options{
		ChainID:      chainID,
		LogPageSize:  cfg.LogPageSize,
		PollInterval: cfg.PollInterval,
		Logger:       log.Named("ledger"),
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		opts.Key = key
	}
	l, err := ledger.NewEthereum(client, cfg.Contract, opts)
	if err != nil {
		return nil, err
	}
	log.Info("session opened",
		zap.String("network", networkID.String()),
		zap.String("contract", cfg.Contract.Hex()),
		zap.String("account", l.Account().Hex()),
	)
	return &Session{client: client, ledger: l, networkID: networkID, chainID: chainID, log: log}, nil
}

func wrapRPC(op string, err error) error {
	if ledger.IsConnectivity(err) {
		return fmt.Errorf("%s: %w: %v", op, errs.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CurrentAccount returns the signing account, or the zero address when read-only.
func (s *Session) CurrentAccount() common.Address { return s.ledger.Account() }

// ReadOnly reports whether the session has no signing key.
func (s *Session) ReadOnly() bool { return s.ledger.Account() == (common.Address{}) }

// NetworkID returns the network id reported by the node.
func (s *Session) NetworkID() *big.Int { return new(big.Int).Set(s.networkID) }

// ChainID returns the EIP-155 chain id.
func (s *Session) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// Ledger returns the contract client bound to this session.
func (s *Session) Ledger() *ledger.Ethereum { return s.ledger }

// Close releases the RPC connection.
func (s *Session) Close() {
	s.client.Close()
	s.log.Info("session closed")
}
