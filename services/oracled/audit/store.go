package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"
	"github.com/holiman/uint256"

	"github.com/fulldecent/compound-oracle/native/oracle"
)

const (
	// DefaultListLimit caps ListEvents when no limit is supplied.
	DefaultListLimit = 100
	// MaxListLimit is the largest page ListEvents will return.
	MaxListLimit = 1000
)

var (
	// ErrPathRequired is returned when the audit database path is missing.
	ErrPathRequired = errors.New("audit: database path must be configured")

	// ErrHeightOutOfRange is returned for heights SQLite cannot store as a
	// signed 64-bit INTEGER.
	ErrHeightOutOfRange = errors.New("audit: height exceeds sqlite integer range")

	errNotConfigured = errors.New("audit: store not configured")
)

const schema = `
CREATE TABLE IF NOT EXISTS oracle_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    asset TEXT NOT NULL,
    caller TEXT NOT NULL,
    status TEXT NOT NULL,
    requested_price TEXT NOT NULL,
    old_price TEXT NOT NULL,
    new_price TEXT NOT NULL,
    anchor_price TEXT NOT NULL,
    period_start INTEGER NOT NULL,
    height INTEGER NOT NULL,
    reason TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_events_asset ON oracle_events(asset, seq);

CREATE TABLE IF NOT EXISTS request_nonces (
    address TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    nonce TEXT NOT NULL,
    observed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (address, timestamp, nonce)
);
CREATE INDEX IF NOT EXISTS idx_request_nonces_observed ON request_nonces(observed_at);
`

// Store persists the oracle event log and the signed request nonces.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initialises the store from a sqlite DSN and applies the schema.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: slog.Default()}, nil
}

// WithLogger replaces the logger used for asynchronous write failures.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	if s != nil && logger != nil {
		s.logger = logger
	}
	return s
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit records ev, logging instead of returning write failures.
func (s *Store) Emit(ev oracle.Event) {
	if err := s.RecordEvent(context.Background(), ev); err != nil && s != nil {
		s.logger.Error("audit write failed", "event_id", ev.ID, "kind", string(ev.Kind), "error", err)
	}
}

// RecordEvent appends ev to the log. Replaying an already stored event is a no-op.
func (s *Store) RecordEvent(ctx context.Context, ev oracle.Event) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	if strings.TrimSpace(ev.ID) == "" {
		return fmt.Errorf("audit: event id required")
	}
	periodStart, err := sqliteHeight("period_start", ev.PeriodStart)
	if err != nil {
		return err
	}
	height, err := sqliteHeight("height", ev.Height)
	if err != nil {
		return err
	}
	recorded := ev.Timestamp.UTC()
	if ev.Timestamp.IsZero() {
		recorded = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO oracle_events(event_id, kind, asset, caller, status, requested_price, old_price,
            new_price, anchor_price, period_start, height, reason, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(event_id) DO NOTHING
    `, ev.ID, string(ev.Kind), addressKey(ev.Asset), addressKey(ev.Caller), ev.Status.String(),
		decimal(ev.RequestedPrice), decimal(ev.OldPrice), decimal(ev.NewPrice), decimal(ev.AnchorPrice),
		periodStart, height, ev.Reason, recorded)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// sqliteHeight keeps block heights in the non-negative INTEGER range so the
// columns order and compare correctly in SQL.
func sqliteHeight(column string, value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s=%d", ErrHeightOutOfRange, column, value)
	}
	return int64(value), nil
}

// Record is a stored event. Prices are base-10 mantissa strings.
type Record struct {
	Seq            int64     `json:"seq"`
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Asset          string    `json:"asset"`
	Caller         string    `json:"caller"`
	Status         string    `json:"status"`
	RequestedPrice string    `json:"requested_price"`
	OldPrice       string    `json:"old_price"`
	NewPrice       string    `json:"new_price"`
	AnchorPrice    string    `json:"anchor_price"`
	PeriodStart    uint64    `json:"period_start"`
	Height         uint64    `json:"height"`
	Reason         string    `json:"reason,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// ListEvents returns the newest events first. A nil asset lists every asset.
func (s *Store) ListEvents(ctx context.Context, asset *common.Address, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errNotConfigured
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	query := `
        SELECT seq, event_id, kind, asset, caller, status, requested_price, old_price, new_price,
            anchor_price, period_start, height, reason, recorded_at
        FROM oracle_events`
	args := make([]any, 0, 2)
	if asset != nil {
		query += ` WHERE asset = ?`
		args = append(args, addressKey(*asset))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec         Record
			periodStart int64
			height      int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Kind, &rec.Asset, &rec.Caller, &rec.Status,
			&rec.RequestedPrice, &rec.OldPrice, &rec.NewPrice, &rec.AnchorPrice,
			&periodStart, &height, &rec.Reason, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.PeriodStart = uint64(periodStart)
		rec.Height = uint64(height)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// NonceRecord identifies one signed request.
type NonceRecord struct {
	Address    common.Address
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// EnsureNonce persists the nonce usage, returning true when the record was
// already present.
func (s *Store) EnsureNonce(ctx context.Context, rec NonceRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotConfigured
	}
	ts := strings.TrimSpace(rec.Timestamp)
	nonce := strings.TrimSpace(rec.Nonce)
	if (rec.Address == common.Address{}) || ts == "" || nonce == "" {
		return false, fmt.Errorf("audit: nonce record incomplete")
	}
	observed := rec.ObservedAt.UTC()
	if rec.ObservedAt.IsZero() {
		observed = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO request_nonces(address, timestamp, nonce, observed_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(address, timestamp, nonce) DO NOTHING
    `, addressKey(rec.Address), ts, nonce, observed)
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 0, nil
}

// PruneNonces removes nonces observed before the cutoff.
func (s *Store) PruneNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotConfigured
	}
	result, err := s.db.ExecContext(ctx, `
        DELETE FROM request_nonces
        WHERE observed_at < ?
    `, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}

func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
