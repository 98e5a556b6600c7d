package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/and161185/medledger/internal/errs"
)

// classify wraps err with the sentinel matching its cause: a contract revert becomes
// errs.ErrUnauthorized carrying the revert reason, a transport failure errs.ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if reason, ok := RevertReason(err); ok {
		return fmt.Errorf("%s: %s: %w", op, reason, errs.ErrUnauthorized)
	}
	if IsConnectivity(err) {
		return fmt.Errorf("%s: %w: %v", op, errs.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RevertReason extracts the reason of an "execution reverted" error. ok is false for other errors.
func RevertReason(err error) (reason string, ok bool) {
	msg := err.Error()
	if !strings.Contains(msg, "execution reverted") {
		return "", false
	}
	var de interface{ ErrorData() interface{} }
	if errors.As(err, &de) {
		if s, isStr := de.ErrorData().(string); isStr {
			if data, derr := hexutil.Decode(s); derr == nil {
				if r, uerr := abi.UnpackRevert(data); uerr == nil {
					return r, true
				}
			}
		}
	}
	return msg, true
}

// IsConnectivity reports whether err means the node could not be reached.
func IsConnectivity(err error) bool {
	var opErr *net.OpError
	var urlErr *url.Error
	switch {
	case errors.As(err, &opErr), errors.As(err, &urlErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
