package incident

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/osiriscare/appliance-agent/internal/drift"
)

// ErrTerminalTransition is returned when a resolution would move a
// terminal incident back to a non-terminal state. Callers treat it as an
// invariant violation.
var ErrTerminalTransition = errors.New("incident already terminal")

// ErrNotFound is returned for unknown incident ids.
var ErrNotFound = errors.New("incident not found")

// orphanAge is how long an incident may sit in resolving before crash
// recovery force-fails it.
const orphanAge = time.Hour

// Store is the durable incident and pattern-stat store backed by a
// single-writer sqlite database.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// Open opens (creating if needed) the incident database.
func Open(log zerolog.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open incident db: %w", err)
	}
	// Single writer: sqlite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{log: log, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	site_id TEXT NOT NULL,
	host_id TEXT NOT NULL,
	check_type TEXT NOT NULL,
	platform TEXT NOT NULL,
	severity TEXT NOT NULL,
	created_at TEXT NOT NULL,
	raw_state TEXT NOT NULL,
	pattern_signature TEXT NOT NULL,
	status TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	runbook_id TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	resolved_at TEXT,
	resolving_at TEXT,
	recommended_action TEXT NOT NULL DEFAULT '',
	control_ids TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_incidents_pattern
	ON incidents(site_id, host_id, check_type, pattern_signature);
CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);

CREATE TABLE IF NOT EXISTS pattern_stats (
	pattern_signature TEXT PRIMARY KEY,
	check_type TEXT NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 0,
	successes INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	last_seen TEXT NOT NULL,
	total_resolution_ms INTEGER NOT NULL DEFAULT 0,
	updated_seq INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pattern_stats_seq ON pattern_stats(updated_seq);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate incident db: %w", err)
	}
	// Databases created before the column existed.
	if _, err := s.db.Exec(`ALTER TABLE incidents ADD COLUMN resolving_at TEXT`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("migrate incident db: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts a new incident.
func (s *Store) Record(inc *Incident) error {
	raw, err := json.Marshal(inc.RawState)
	if err != nil {
		return fmt.Errorf("marshal raw state: %w", err)
	}
	controls, _ := json.Marshal(inc.ControlIDs)

	_, err = s.db.Exec(`
INSERT INTO incidents (id, site_id, host_id, check_type, platform, severity,
	created_at, raw_state, pattern_signature, status, recommended_action, control_ids)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.SiteID, inc.HostID, inc.CheckType, string(inc.Platform),
		string(inc.Severity), inc.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(raw), inc.PatternSignature, string(inc.Status),
		inc.RecommendedAction, string(controls))
	if err != nil {
		return fmt.Errorf("record incident: %w", err)
	}
	return nil
}

// MarkResolving transitions an open incident to resolving and stamps
// when healing took it over, which anchors the orphan cutoff. Terminal
// incidents are rejected.
func (s *Store) MarkResolving(id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(id, StatusResolving, func(cur Status) error {
		if cur.Terminal() {
			return ErrTerminalTransition
		}
		return nil
	}, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE incidents SET resolving_at = ? WHERE id = ?`, now, id)
		return err
	})
}

// SetResolution records the healer's terminal result in one atomic
// transition. Transitions out of a terminal state are rejected.
func (s *Store) SetResolution(id string, tier Tier, outcome Outcome, runbookID, output, errMsg string) error {
	status := StatusResolved
	if tier == TierL3 {
		status = StatusEscalated
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.transition(id, status, func(cur Status) error {
		if cur.Terminal() {
			return ErrTerminalTransition
		}
		return nil
	}, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
UPDATE incidents SET tier = ?, outcome = ?, runbook_id = ?, output = ?, error = ?, resolved_at = ?
WHERE id = ?`,
			string(tier), string(outcome), runbookID, output, errMsg, now, id)
		return err
	})
}

// transition applies a guarded status change inside a transaction.
func (s *Store) transition(id string, to Status, guard func(Status) error, extra func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRow(`SELECT status FROM incidents WHERE id = ?`, id).Scan(&cur)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load incident %s: %w", id, err)
	}
	if err := guard(Status(cur)); err != nil {
		return fmt.Errorf("incident %s: %s -> %s: %w", id, cur, to, err)
	}

	if _, err := tx.Exec(`UPDATE incidents SET status = ? WHERE id = ?`, string(to), id); err != nil {
		return fmt.Errorf("update incident %s: %w", id, err)
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return fmt.Errorf("update incident %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Get loads one incident by id.
func (s *Store) Get(id string) (*Incident, error) {
	row := s.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inc, err
}

// QueryPattern returns incidents with a pattern signature created within
// the window ending now, newest first. Flap detection and learning use it.
func (s *Store) QueryPattern(signature string, window time.Duration) ([]*Incident, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339Nano)
	rows, err := s.db.Query(selectColumns+`
WHERE pattern_signature = ? AND created_at >= ?
ORDER BY created_at DESC`, signature, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query pattern: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// RecentResolutions returns the last n terminal incidents for a
// (host, check_type) pair, newest first. The L2 planner context uses it.
func (s *Store) RecentResolutions(hostID, checkType string, n int) ([]*Incident, error) {
	rows, err := s.db.Query(selectColumns+`
WHERE host_id = ? AND check_type = ? AND status IN ('resolved', 'escalated')
ORDER BY created_at DESC LIMIT ?`, hostID, checkType, n)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// ListOpen returns non-terminal incidents, oldest first. Crash recovery
// uses it on restart.
func (s *Store) ListOpen(limit int) ([]*Incident, error) {
	rows, err := s.db.Query(selectColumns+`
WHERE status IN ('open', 'resolving')
ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// RecoverOrphans force-resolves incidents stuck in resolving for more
// than an hour, so a crash mid-heal cannot wedge the pipeline. The age
// is measured from when healing started, not when the drift was first
// seen; rows predating the resolving_at column fall back to created_at.
func (s *Store) RecoverOrphans() (int, error) {
	cutoff := time.Now().UTC().Add(-orphanAge).Format(time.RFC3339Nano)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
UPDATE incidents SET status = 'resolved', outcome = 'failure', error = 'orphaned', resolved_at = ?
WHERE status = 'resolving' AND COALESCE(resolving_at, created_at) < ?`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("force-resolved orphaned incidents")
	}
	return int(n), nil
}

const selectColumns = `
SELECT id, site_id, host_id, check_type, platform, severity, created_at,
	raw_state, pattern_signature, status, tier, outcome, runbook_id,
	output, error, resolved_at, recommended_action, control_ids
FROM incidents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var platform, severity, createdAt, raw, status, tier, outcome, controls string
	var resolvedAt sql.NullString

	err := row.Scan(&inc.ID, &inc.SiteID, &inc.HostID, &inc.CheckType,
		&platform, &severity, &createdAt, &raw, &inc.PatternSignature,
		&status, &tier, &outcome, &inc.RunbookID, &inc.Output, &inc.Error,
		&resolvedAt, &inc.RecommendedAction, &controls)
	if err != nil {
		return nil, err
	}

	inc.Platform = drift.Platform(platform)
	inc.Severity = drift.Severity(severity)
	inc.Status = Status(status)
	inc.Tier = Tier(tier)
	inc.Outcome = Outcome(outcome)
	inc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err == nil {
			inc.ResolvedAt = &t
		}
	}
	if err := json.Unmarshal([]byte(raw), &inc.RawState); err != nil {
		return nil, fmt.Errorf("unmarshal raw state: %w", err)
	}
	_ = json.Unmarshal([]byte(controls), &inc.ControlIDs)
	return &inc, nil
}

func scanIncidents(rows *sql.Rows) ([]*Incident, error) {
	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
