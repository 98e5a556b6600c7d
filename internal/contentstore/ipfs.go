package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	files "github.com/ipfs/boxo/files"
	shell "github.com/ipfs/go-ipfs-api"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/errs"
)

// IPFS talks to an IPFS node's RPC API (add/cat).
type IPFS struct {
	sh  *shell.Shell
	log *zap.Logger
}

// NewIPFS constructs a client for the node API at apiURL (e.g. "localhost:5001").
func NewIPFS(apiURL string, timeout time.Duration, log *zap.Logger) *IPFS {
	if log == nil {
		log = zap.NewNop()
	}
	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFS{sh: sh, log: log}
}

// Put adds data to the node and returns the content id. The upload is bound to ctx.
func (s *IPFS) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := files.NewSliceDirectory([]files.DirEntry{files.FileEntry("", files.NewBytesFile(data))})
	var out struct{ Hash string }
	err := s.sh.Request("add").
		Body(files.NewMultiFileReader(dir, true, false)).
		Exec(ctx, &out)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", classify(err))
	}
	s.log.Debug("ipfs add", zap.String("cid", out.Hash), zap.Int("bytes", len(data)))
	return out.Hash, nil
}

// Get reads the blob for cid.
func (s *IPFS) Get(ctx context.Context, cid string) ([]byte, error) {
	resp, err := s.sh.Request("cat", cid).Send(ctx)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cid, classify(err))
	}
	defer resp.Close()
	if resp.Error != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cid, classify(resp.Error))
	}
	b, err := io.ReadAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cid, classify(err))
	}
	return b, nil
}

// Up reports whether the node answers.
func (s *IPFS) Up() bool { return s.sh.IsUp() }

func classify(err error) error {
	var se *shell.Error
	if errors.As(err, &se) {
		msg := strings.ToLower(se.Message)
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no link named") {
			return fmt.Errorf("%w: %s", errs.ErrNotFound, se.Message)
		}
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	return err
}
