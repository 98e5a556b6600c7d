package postgres

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/repository"
)

const checkpointName = "ledger"

// EventRepo implements EventRepository using PostgreSQL.
type EventRepo struct{ db *DB }

var _ repository.EventRepository = (*EventRepo)(nil)

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

// Append inserts events idempotently and moves the checkpoint forward.
func (r *EventRepo) Append(ctx context.Context, events []model.Event, checkpoint uint64) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `
INSERT INTO ledger_events (block_number, tx_index, log_index, kind, address, counterparty, tx_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (block_number, log_index) DO NOTHING`
	for _, ev := range events {
		if _, err = tx.Exec(ctx, ins,
			int64(ev.BlockNumber), int64(ev.TxIndex), int64(ev.LogIndex), string(ev.Kind),
			ev.Address.Bytes(), ev.Counterparty.Bytes(), ev.TxHash.Bytes(),
		); err != nil {
			return err
		}
	}

	const cp = `
INSERT INTO indexer_checkpoints (name, block_number, updated_at)
VALUES ($1,$2,now())
ON CONFLICT (name) DO UPDATE
SET block_number=EXCLUDED.block_number, updated_at=now()
WHERE indexer_checkpoints.block_number < EXCLUDED.block_number`
	_, err = tx.Exec(ctx, cp, checkpointName, int64(checkpoint))
	return err
}

// Events returns stored events of kind ordered by block, transaction and log index.
func (r *EventRepo) Events(ctx context.Context, kind model.EventKind) ([]model.Event, error) {
	const q = `
SELECT block_number, tx_index, log_index, address, counterparty, tx_hash
FROM ledger_events
WHERE kind=$1
ORDER BY block_number ASC, tx_index ASC, log_index ASC`
	rows, err := r.db.Pool.Query(ctx, q, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			block, txIdx, logIdx int64
			addr, cp, hash       []byte
		)
		if err := rows.Scan(&block, &txIdx, &logIdx, &addr, &cp, &hash); err != nil {
			return nil, err
		}
		out = append(out, model.Event{
			Kind:         kind,
			Address:      common.BytesToAddress(addr),
			Counterparty: common.BytesToAddress(cp),
			BlockNumber:  uint64(block),
			TxIndex:      uint(txIdx),
			LogIndex:     uint(logIdx),
			TxHash:       common.BytesToHash(hash),
		})
	}
	return out, rows.Err()
}

// Checkpoint returns the last indexed block.
func (r *EventRepo) Checkpoint(ctx context.Context) (uint64, bool, error) {
	const q = `SELECT block_number FROM indexer_checkpoints WHERE name=$1`
	var block int64
	if err := r.db.Pool.QueryRow(ctx, q, checkpointName).Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}
