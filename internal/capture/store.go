package capture

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/geode-project/geode/internal/intercept"
	"github.com/geode-project/geode/internal/protocol"
)

// Record is one captured dispatch.
type Record struct {
	ID         int64                  `json:"id"`
	SessionID  string                 `json:"session_id"`
	Seq        int32                  `json:"seq"`
	Direction  protocol.Direction     `json:"direction"`
	Variant    protocol.ClientVariant `json:"variant"`
	Identity   string                 `json:"identity,omitempty"`
	WireID     uint16                 `json:"wire_id"`
	Outcome    string                 `json:"outcome"`
	Handlers   int                    `json:"handlers"`
	Faults     int                    `json:"faults"`
	Payload    []byte                 `json:"payload"`
	CapturedAt time.Time              `json:"captured_at"`
}

// FromTrace converts a dispatch trace into a record.
func FromTrace(t intercept.Trace, sessionID string) Record {
	rec := Record{
		SessionID:  sessionID,
		Seq:        t.Frame.Seq,
		Direction:  t.Frame.Direction,
		Variant:    t.Variant,
		WireID:     uint16(t.Frame.WireID),
		Outcome:    t.Outcome.String(),
		Handlers:   t.Handlers,
		Faults:     t.Faults,
		Payload:    t.Frame.Payload,
		CapturedAt: t.At,
	}
	if t.Known {
		rec.Identity = t.Identity.String()
	}
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now()
	}
	return rec
}

// Filter narrows Recent. Zero fields match everything.
type Filter struct {
	SessionID string
	Direction protocol.Direction
	Identity  string
	Outcome   string
	Since     time.Time
}

// IdentityCount is a per-message capture count.
type IdentityCount struct {
	Identity string `json:"identity"`
	Count    int64  `json:"count"`
}

// Stats summarizes the capture log.
type Stats struct {
	Total           int64           `json:"total"`
	Blocked         int64           `json:"blocked"`
	Modified        int64           `json:"modified"`
	Unknown         int64           `json:"unknown"`
	Sessions        int64           `json:"sessions"`
	CompressedBytes int64           `json:"compressed_bytes"`
	Oldest          *time.Time      `json:"oldest,omitempty"`
	Newest          *time.Time      `json:"newest,omitempty"`
	Top             []IdentityCount `json:"top"`
}

// Store persists captured packets with zstd-compressed payloads.
type Store struct {
	db  *Database
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens the capture store at path and applies the schema.
func Open(path string) (*Store, error) {
	database, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}

	// Payloads are stored zstd-compressed
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		database.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	// Create tables
	s := &Store{db: database, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate capture database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS captures (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT    NOT NULL DEFAULT '',
			seq         INTEGER NOT NULL,
			direction   INTEGER NOT NULL,
			variant     INTEGER NOT NULL,
			identity    TEXT    NOT NULL DEFAULT '',
			wire_id     INTEGER NOT NULL,
			outcome     TEXT    NOT NULL,
			handlers    INTEGER NOT NULL DEFAULT 0,
			faults      INTEGER NOT NULL DEFAULT 0,
			payload     BLOB,
			captured_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_captures_captured_at ON captures(captured_at);
		CREATE INDEX IF NOT EXISTS idx_captures_identity ON captures(identity);
		CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database and codecs.
func (s *Store) Close() error {
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Record writes records in one transaction.
func (s *Store) Record(records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO captures
				(session_id, seq, direction, variant, identity, wire_id, outcome, handlers, faults, payload, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare capture insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			// Empty payloads stay NULL
			var blob []byte
			if len(r.Payload) > 0 {
				blob = s.enc.EncodeAll(r.Payload, nil)
			}
			if _, err := stmt.Exec(r.SessionID, r.Seq, int(r.Direction), int(r.Variant), r.Identity,
				int(r.WireID), r.Outcome, r.Handlers, r.Faults, blob, r.CapturedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert capture: %w", err)
			}
		}
		return nil
	})
}

// Recent returns up to limit records matching f, newest first.
func (s *Store) Recent(limit int, f Filter) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []interface{}
	)
	// Build WHERE clause from filter
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Direction != protocol.DirectionUnknown {
		where = append(where, "direction = ?")
		args = append(args, int(f.Direction))
	}
	if f.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, f.Identity)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		where = append(where, "captured_at >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT id, session_id, seq, direction, variant, identity, wire_id, outcome, handlers, faults, payload, captured_at
		FROM captures`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Newest first
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			direction int
			variant   int
			wireID    int
			blob      []byte
			at        int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &direction, &variant, &r.Identity, &wireID,
			&r.Outcome, &r.Handlers, &r.Faults, &blob, &at); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		// Convert columns
		r.Direction = protocol.Direction(direction)
		r.Variant = protocol.ClientVariant(variant)
		r.WireID = uint16(wireID)
		r.CapturedAt = time.Unix(0, at)
		// Decompress payload
		if len(blob) > 0 {
			if r.Payload, err = s.dec.DecodeAll(blob, nil); err != nil {
				return nil, fmt.Errorf("failed to decompress capture %d: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarizes the capture log.
func (s *Store) Stats() (Stats, error) {
	var (
		st             Stats
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(outcome = 'block'), 0),
			COALESCE(SUM(outcome = 'modified'), 0),
			COALESCE(SUM(identity = ''), 0),
			COUNT(DISTINCT session_id),
			COALESCE(SUM(LENGTH(payload)), 0),
			MIN(captured_at), MAX(captured_at)
		FROM captures`).Scan(&st.Total, &st.Blocked, &st.Modified, &st.Unknown, &st.Sessions,
		&st.CompressedBytes, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query capture stats: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64)
		st.Oldest = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64)
		st.Newest = &t
	}

	rows, err := s.db.Query(`
		SELECT identity, COUNT(*) AS n FROM captures
		WHERE identity != ''
		GROUP BY identity ORDER BY n DESC, identity LIMIT 10`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query capture counts: %w", err)
	}
	defer rows.Close()

	st.Top = []IdentityCount{}
	for rows.Next() {
		var ic IdentityCount
		if err := rows.Scan(&ic.Identity, &ic.Count); err != nil {
			return Stats{}, err
		}
		st.Top = append(st.Top, ic)
	}
	return st, rows.Err()
}

// Prune deletes records captured before now-olderThan.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.Exec("DELETE FROM captures WHERE captured_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune captures: %w", err)
	}
	return res.RowsAffected()
}
