package event

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store and CheckpointStore on SQLite. SQLite
// serializes writers, which combined with the ingestor's per-org locking
// gives the append-order guarantee Merkle leaves rely on.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the event database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		spec_version    TEXT NOT NULL,
		schema_version  TEXT NOT NULL,
		type            TEXT NOT NULL,
		category        TEXT,
		criticality     TEXT NOT NULL,
		source          TEXT,
		org_id          TEXT NOT NULL,
		asset_id        TEXT,
		produced_at     DATETIME NOT NULL,
		golden_thread   TEXT,
		hash            TEXT NOT NULL,
		data            TEXT
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id              TEXT PRIMARY KEY,
		org_id          TEXT NOT NULL,
		root            TEXT NOT NULL,
		previous_root   TEXT,
		window_start    DATETIME NOT NULL,
		window_end      DATETIME NOT NULL,
		leaf_count      INTEGER NOT NULL,
		created_at      DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_org ON events(org_id);
	CREATE INDEX IF NOT EXISTS idx_events_org_time ON events(org_id, produced_at);
	CREATE INDEX IF NOT EXISTS idx_events_org_asset ON events(org_id, asset_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_org ON checkpoints(org_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const eventColumns = `id, spec_version, schema_version, type, category, criticality, source,
		org_id, asset_id, produced_at, golden_thread, hash, data`

func (s *SQLiteStore) Store(e *Event) error {
	return s.insert(s.db, e)
}

func (s *SQLiteStore) StoreMany(events []*Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := s.insert(tx, e); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insert(db execer, e *Event) error {
	thread, err := nullableJSON(e.GoldenThread)
	if err != nil {
		return fmt.Errorf("marshal golden thread: %w", err)
	}
	data, err := nullableJSON(e.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	_, err = db.Exec(`INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SpecVersion, e.SchemaVersion, e.Type, nullStr(e.Category), e.Criticality,
		nullStr(e.Source), e.OrgID, nullStr(e.AssetID), e.ProducedAt.UTC(), thread, e.Hash, data,
	)
	return err
}

func (s *SQLiteStore) FindByID(orgID, id string) (*Event, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ? AND org_id = ?`, id, orgID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) ListEvents(orgID string, f ListFilter) ([]*Event, int, error) {
	where, args := buildEventWhere(orgID, f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + eventColumns + " FROM events" + where + " ORDER BY seq ASC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, count, rows.Err()
}

func (s *SQLiteStore) ListAssets(orgID string) ([]AssetSummary, error) {
	// The summary reflects each asset's latest appended event. Joining on
	// MAX(seq) keeps produced_at a plain column reference, which sqlite
	// needs to hand it back as a DATETIME.
	rows, err := s.db.Query(`SELECT e.asset_id, c.n, e.produced_at, e.type
		FROM events e
		JOIN (SELECT asset_id, COUNT(*) AS n, MAX(seq) AS last_seq
		      FROM events WHERE org_id = ? AND asset_id IS NOT NULL AND asset_id != ''
		      GROUP BY asset_id) c ON e.seq = c.last_seq
		ORDER BY e.produced_at DESC, e.asset_id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssetSummary
	for rows.Next() {
		var sum AssetSummary
		if err := rows.Scan(&sum.AssetID, &sum.EventCount, &sum.LastEventAt, &sum.LatestType); err != nil {
			return nil, err
		}
		sum.LastEventAt = sum.LastEventAt.UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAssetEvents(orgID, assetID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events
		WHERE org_id = ? AND asset_id = ? ORDER BY seq DESC LIMIT ?`, orgID, assetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) StoreCheckpoint(c *Checkpoint) error {
	_, err := s.db.Exec(`INSERT INTO checkpoints (id, org_id, root, previous_root,
		window_start, window_end, leaf_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrgID, c.Root, nullStr(c.PreviousRoot),
		c.WindowStart.UTC(), c.WindowEnd.UTC(), c.LeafCount, c.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) LatestCheckpoint(orgID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`SELECT id, org_id, root, previous_root, window_start, window_end,
		leaf_count, created_at FROM checkpoints WHERE org_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, orgID)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListCheckpoints(orgID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, org_id, root, previous_root, window_start, window_end,
		leaf_count, created_at FROM checkpoints WHERE org_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var category, source, assetID, thread, data sql.NullString

	err := row.Scan(&e.ID, &e.SpecVersion, &e.SchemaVersion, &e.Type, &category, &e.Criticality,
		&source, &e.OrgID, &assetID, &e.ProducedAt, &thread, &e.Hash, &data)
	if err != nil {
		return nil, err
	}

	e.Category = category.String
	e.Source = source.String
	e.AssetID = assetID.String
	e.ProducedAt = e.ProducedAt.UTC()
	if thread.Valid && thread.String != "" {
		ref := &GoldenThreadRef{}
		if err := json.Unmarshal([]byte(thread.String), ref); err != nil {
			return nil, fmt.Errorf("unmarshal golden thread for %s: %w", e.ID, err)
		}
		e.GoldenThread = ref
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	c := &Checkpoint{}
	var prev sql.NullString
	err := row.Scan(&c.ID, &c.OrgID, &c.Root, &prev,
		&c.WindowStart, &c.WindowEnd, &c.LeafCount, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.PreviousRoot = prev.String
	c.WindowStart = c.WindowStart.UTC()
	c.WindowEnd = c.WindowEnd.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func buildEventWhere(orgID string, f ListFilter) (string, []any) {
	conditions := []string{"org_id = ?"}
	args := []any{orgID}

	if f.AssetID != "" {
		conditions = append(conditions, "asset_id = ?")
		args = append(args, f.AssetID)
	}
	if f.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, f.Type)
	}
	if f.Criticality != "" {
		conditions = append(conditions, "criticality = ?")
		args = append(args, f.Criticality)
	}
	if f.Since != nil {
		conditions = append(conditions, "produced_at >= ?")
		args = append(args, f.Since.UTC())
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case *GoldenThreadRef:
		if val == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
