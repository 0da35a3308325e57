package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p2ppsr/babbage-escrow/client"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// ErrPathRequired is returned when no database path is configured.
var ErrPathRequired = errors.New("index: database path must be configured")

// MemoryDSN opens a private in-memory index.
const MemoryDSN = ":memory:"

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	return fmt.Sprintf("file:%s?%s", trimmed, defaultFilePragmas), nil
}

// Index is the lookup service: a SQLite table holding exactly one row per
// live contract token. Spent tokens are replaced or evicted as the admission
// manager admits their successors.
type Index struct {
	db *sql.DB
}

// Open opens the index at dsn and applies the schema.
func Open(dsn string) (*Index, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// One connection keeps in-memory databases shared and writes serialised.
	db.SetMaxOpenConns(1)
	idx := &Index{db: db}
	if err := idx.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS live_tokens (
            contract TEXT PRIMARY KEY,
            sequence INTEGER NOT NULL,
            seeker TEXT NOT NULL,
            platform TEXT NOT NULL,
            furnisher TEXT,
            status TEXT NOT NULL,
            contract_type TEXT NOT NULL,
            value INTEGER NOT NULL,
            bounty INTEGER NOT NULL,
            state BLOB NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS token_bidders (
            contract TEXT NOT NULL,
            furnisher TEXT NOT NULL,
            PRIMARY KEY(contract, furnisher)
        );`,
		`CREATE INDEX IF NOT EXISTS live_tokens_seeker ON live_tokens(seeker);`,
		`CREATE INDEX IF NOT EXISTS live_tokens_platform_status ON live_tokens(platform, status);`,
		`CREATE INDEX IF NOT EXISTS token_bidders_furnisher ON token_bidders(furnisher);`,
	}
	for _, stmt := range schema {
		if _, err := i.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply index schema: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (i *Index) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

// Admit records entry as the live token of its contract, replacing any
// earlier token of the same contract.
func (i *Index) Admit(ctx context.Context, entry client.Entry) error {
	if entry.State == nil {
		return fmt.Errorf("index: entry %s has no state", entry.Ref)
	}
	state, err := escrow.EncodeState(entry.State)
	if err != nil {
		return err
	}
	contract := entry.Ref.Contract.String()
	var furnisher sql.NullString
	if entry.State.AcceptedBid != nil {
		furnisher = sql.NullString{String: entry.State.AcceptedBid.FurnisherKey.String(), Valid: true}
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO live_tokens(contract, sequence, seeker, platform, furnisher, status, contract_type, value, bounty, state, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(contract) DO UPDATE SET
            sequence = excluded.sequence,
            furnisher = excluded.furnisher,
            status = excluded.status,
            value = excluded.value,
            bounty = excluded.bounty,
            state = excluded.state,
            updated_at = excluded.updated_at
        WHERE excluded.sequence > live_tokens.sequence
    `, contract, int64(entry.Ref.Sequence), entry.State.SeekerKey.String(), entry.State.PlatformKey.String(), furnisher,
		entry.State.Status.String(), entry.State.ContractType.String(), int64(entry.Value), int64(entry.Bounty), state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("index: upsert %s: %w", entry.Ref, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// An older token than the one already indexed.
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM token_bidders WHERE contract = ?`, contract); err != nil {
		return fmt.Errorf("index: clear bidders: %w", err)
	}
	bidders := make(map[escrow.PubKey]struct{}, len(entry.State.Bids)+1)
	for _, bid := range entry.State.Bids {
		bidders[bid.FurnisherKey] = struct{}{}
	}
	if entry.State.AcceptedBid != nil {
		bidders[entry.State.AcceptedBid.FurnisherKey] = struct{}{}
	}
	for key := range bidders {
		if _, err := tx.ExecContext(ctx, `INSERT INTO token_bidders(contract, furnisher) VALUES(?, ?)`, contract, key.String()); err != nil {
			return fmt.Errorf("index: insert bidder: %w", err)
		}
	}
	return tx.Commit()
}

// Evict removes a contract that no longer has a live token.
func (i *Index) Evict(ctx context.Context, id escrow.ContractID) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM live_tokens WHERE contract = ?`, id.String()); err != nil {
		return fmt.Errorf("index: evict %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM token_bidders WHERE contract = ?`, id.String()); err != nil {
		return fmt.Errorf("index: evict bidders %s: %w", id, err)
	}
	return tx.Commit()
}

// Retain drops every indexed token that is not the live token named in live,
// keyed by contract with its sequence. It returns the number of rows removed.
func (i *Index) Retain(ctx context.Context, live map[escrow.ContractID]uint64) (int, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT contract, sequence FROM live_tokens`)
	if err != nil {
		return 0, fmt.Errorf("index: scan: %w", err)
	}
	var stale []string
	for rows.Next() {
		var (
			contract string
			sequence int64
		)
		if err := rows.Scan(&contract, &sequence); err != nil {
			rows.Close()
			return 0, fmt.Errorf("index: scan row: %w", err)
		}
		id, err := escrow.ParseContractID(contract)
		if err != nil {
			stale = append(stale, contract)
			continue
		}
		if seq, ok := live[id]; !ok || int64(seq) != sequence {
			stale = append(stale, contract)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("index: scan: %w", err)
	}
	rows.Close()

	for _, contract := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM live_tokens WHERE contract = ?`, contract); err != nil {
			return 0, fmt.Errorf("index: drop %s: %w", contract, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM token_bidders WHERE contract NOT IN (SELECT contract FROM live_tokens)`); err != nil {
		return 0, fmt.Errorf("index: drop orphaned bidders: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("index: commit: %w", err)
	}
	return len(stale), nil
}

// Count returns the number of live tokens.
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}

// Query implements client.Lookup.
func (i *Index) Query(ctx context.Context, f client.Filter) ([]client.Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Contract != nil {
		where = append(where, "t.contract = ?")
		args = append(args, f.Contract.String())
	}
	if f.Seeker != nil {
		where = append(where, "t.seeker = ?")
		args = append(args, f.Seeker.String())
	}
	if f.Platform != nil {
		where = append(where, "t.platform = ?")
		args = append(args, f.Platform.String())
	}
	if f.Furnisher != nil {
		where = append(where, "EXISTS (SELECT 1 FROM token_bidders b WHERE b.contract = t.contract AND b.furnisher = ?)")
		args = append(args, f.Furnisher.String())
	}
	if f.Status != nil {
		where = append(where, "t.status = ?")
		args = append(args, f.Status.String())
	}
	if f.ContractType != nil {
		where = append(where, "t.contract_type = ?")
		args = append(args, f.ContractType.String())
	}
	query := `SELECT t.contract, t.sequence, t.value, t.bounty, t.state FROM live_tokens t`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.updated_at ASC, t.contract ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()
	entries := make([]client.Entry, 0)
	for rows.Next() {
		var (
			contract      string
			seq           int64
			value, bounty int64
			raw           []byte
		)
		if err := rows.Scan(&contract, &seq, &value, &bounty, &raw); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		id, err := escrow.ParseContractID(contract)
		if err != nil {
			return nil, err
		}
		state, err := escrow.DecodeState(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, client.Entry{
			Ref:    escrow.TokenRef{Contract: id, Sequence: uint64(seq)},
			State:  state,
			Value:  uint64(value),
			Bounty: uint64(bounty),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterate: %w", err)
	}
	return entries, nil
}
