package incident

import (
	"fmt"
	"time"
)

// PatternStat aggregates healing outcomes per pattern signature. Counters
// only grow; the learning service pushes deltas upward by cursor.
type PatternStat struct {
	PatternSignature  string    `json:"pattern_signature"`
	CheckType         string    `json:"check_type"`
	Occurrences       int64     `json:"occurrences"`
	Successes         int64     `json:"successes"`
	Failures          int64     `json:"failures"`
	LastSeen          time.Time `json:"last_seen"`
	AvgResolutionMs   int64     `json:"avg_resolution_ms"`
	totalResolutionMs int64
	UpdatedSeq        int64 `json:"-"`
}

// UpdatePatternStat records one terminal healing result in the stat
// bucket for the incident's pattern signature.
func (s *Store) UpdatePatternStat(inc *Incident, success bool, resolutionMs int64) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	// updated_seq is a store-wide monotonic counter so the learning
	// cursor can find unpushed rows.
	_, err := s.db.Exec(`
INSERT INTO pattern_stats (pattern_signature, check_type, occurrences, successes, failures,
	last_seen, total_resolution_ms, updated_seq)
VALUES (?, ?, 1, ?, ?, ?, ?,
	(SELECT COALESCE(MAX(updated_seq), 0) + 1 FROM pattern_stats))
ON CONFLICT(pattern_signature) DO UPDATE SET
	occurrences = occurrences + 1,
	successes = successes + excluded.successes,
	failures = failures + excluded.failures,
	last_seen = excluded.last_seen,
	total_resolution_ms = total_resolution_ms + excluded.total_resolution_ms,
	updated_seq = (SELECT COALESCE(MAX(updated_seq), 0) + 1 FROM pattern_stats)`,
		inc.PatternSignature, inc.CheckType, succ, fail, now, resolutionMs)
	if err != nil {
		return fmt.Errorf("update pattern stat: %w", err)
	}
	return nil
}

// PatternStatsSince returns stats updated after the cursor, oldest
// update first, and the new cursor value.
func (s *Store) PatternStatsSince(cursor int64) ([]PatternStat, int64, error) {
	rows, err := s.db.Query(`
SELECT pattern_signature, check_type, occurrences, successes, failures,
	last_seen, total_resolution_ms, updated_seq
FROM pattern_stats WHERE updated_seq > ? ORDER BY updated_seq ASC`, cursor)
	if err != nil {
		return nil, cursor, fmt.Errorf("query pattern stats: %w", err)
	}
	defer rows.Close()

	var out []PatternStat
	next := cursor
	for rows.Next() {
		var st PatternStat
		var lastSeen string
		if err := rows.Scan(&st.PatternSignature, &st.CheckType, &st.Occurrences,
			&st.Successes, &st.Failures, &lastSeen, &st.totalResolutionMs, &st.UpdatedSeq); err != nil {
			return nil, cursor, err
		}
		st.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		if st.Occurrences > 0 {
			st.AvgResolutionMs = st.totalResolutionMs / st.Occurrences
		}
		if st.UpdatedSeq > next {
			next = st.UpdatedSeq
		}
		out = append(out, st)
	}
	return out, next, rows.Err()
}

// PatternStat returns the stat bucket for one signature, or nil.
func (s *Store) PatternStat(signature string) (*PatternStat, error) {
	stats, _, err := s.PatternStatsSince(-1)
	if err != nil {
		return nil, err
	}
	for i := range stats {
		if stats[i].PatternSignature == signature {
			return &stats[i], nil
		}
	}
	return nil, nil
}
