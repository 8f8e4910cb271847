// Package queue implements the durable offline delivery queue: an
// append-only, fsync'd, per-day-rotated log of outbound payloads with
// at-least-once delivery into Central Command.
package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// ErrFull is returned when a non-evidence enqueue found the queue at
// capacity and no space opened up within the backpressure wait. The
// incoming payload is dropped; pending entries are never displaced for
// non-evidence traffic.
var ErrFull = errors.New("queue at capacity")

// fullWait bounds how long a non-evidence enqueue blocks for space
// before giving up.
const fullWait = 5 * time.Second

// Entry kinds. Delivery order is strict within a kind, unordered
// across kinds.
const (
	KindEvidence          = "evidence"
	KindIncident          = "incident"
	KindPatternStat       = "pattern_stat"
	KindExecution         = "execution"
	KindDomainDiscovery   = "domain_discovery"
	KindEnumerationResult = "enumeration_result"
	KindCheckinMeta       = "checkin_meta"
)

// Entry is one queued payload. Seq is assigned at enqueue and is
// unique for the lifetime of the queue directory.
type Entry struct {
	Seq        uint64          `json:"seq"`
	Kind       string          `json:"kind"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Queue is single-writer, single-reader. Enqueue fsyncs before
// returning; the drain loop reads oldest-first per kind.
type Queue struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	dir     string

	maxEntries int
	maxAge     time.Duration

	mu       sync.Mutex
	space    *sync.Cond // signaled whenever an entry leaves the queue
	fullWait time.Duration
	entries  []*Entry // undelivered, enqueue order
	acked    map[uint64]bool
	seq      uint64
	segDay   string
	segFile  *os.File
	tomb     *os.File
}

// Open replays the on-disk segments minus tombstones and resumes the
// sequence counter. maxEntries/maxAgeDays of zero apply the defaults
// (10000 entries, 7 days).
func Open(log zerolog.Logger, m *metrics.Metrics, dir string, maxEntries, maxAgeDays int) (*Queue, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 7
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q := &Queue{
		log:        log,
		metrics:    m,
		dir:        dir,
		maxEntries: maxEntries,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		fullWait:   fullWait,
		acked:      make(map[uint64]bool),
	}
	q.space = sync.NewCond(&q.mu)
	if err := q.replay(); err != nil {
		return nil, err
	}
	q.setDepth()
	return q, nil
}

// Close flushes and closes the open segment.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var first error
	if q.segFile != nil {
		first = q.segFile.Close()
		q.segFile = nil
	}
	if q.tomb != nil {
		if err := q.tomb.Close(); err != nil && first == nil {
			first = err
		}
		q.tomb = nil
	}
	return first
}

// Enqueue appends one payload. The write is fsync'd before return; a
// crash after Enqueue returns never loses the entry.
//
// At the entry cap, backpressure depends on the kind. Evidence always
// gets in, evicting the oldest non-evidence entry (oldest evidence only
// when nothing else remains). Everything else blocks for up to the
// backpressure window waiting for an ack to open space, then gives up
// with ErrFull; pending entries are never evicted for it.
func (q *Queue) Enqueue(kind string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()
	if kind != KindEvidence && len(q.entries) >= q.maxEntries {
		if !q.waitForSpaceLocked() {
			q.log.Warn().Str("kind", kind).Dur("waited", q.fullWait).
				Msg("queue full, dropping new entry")
			if q.metrics != nil {
				q.metrics.QueueEvicted.WithLabelValues(kind).Inc()
			}
			return ErrFull
		}
	}

	q.seq++
	e := &Entry{
		Seq:        q.seq,
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
		Payload:    append(json.RawMessage(nil), payload...),
	}

	if err := q.appendLocked(e); err != nil {
		q.seq--
		return err
	}
	q.entries = append(q.entries, e)
	q.enforceCapLocked()
	q.setDepth()
	return nil
}

// waitForSpaceLocked blocks on the space condition until the queue is
// below capacity or the backpressure window expires. The timer wakes
// the wait so a silent queue cannot block past the deadline.
func (q *Queue) waitForSpaceLocked() bool {
	deadline := time.Now().Add(q.fullWait)
	for len(q.entries) >= q.maxEntries {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wake := time.AfterFunc(remaining, q.space.Broadcast)
		q.space.Wait()
		wake.Stop()
	}
	return true
}

// Head returns the oldest undelivered entry of the kind, or nil.
func (q *Queue) Head(kind string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Kind == kind {
			return e
		}
	}
	return nil
}

// Kinds lists kinds with at least one pending entry.
func (q *Queue) Kinds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	var kinds []string
	for _, e := range q.entries {
		if !seen[e.Kind] {
			seen[e.Kind] = true
			kinds = append(kinds, e.Kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Ack marks the entry delivered. The tombstone is fsync'd so a crash
// cannot resurrect a delivered entry into a duplicate send... the
// contract is at-least-once, so a crash between the remote 2xx and the
// tombstone write is the one permitted duplicate.
func (q *Queue) Ack(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ackLocked(seq)
}

// DeadLetter moves the entry to the dead-letter partition: it is acked
// out of the live queue and appended to deadletter.log for operator
// inspection.
func (q *Queue) DeadLetter(e *Entry, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := struct {
		*Entry
		Reason  string    `json:"reason"`
		MovedAt time.Time `json:"moved_at"`
	}{e, reason, time.Now().UTC()}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := appendLine(filepath.Join(q.dir, "deadletter.log"), line); err != nil {
		return err
	}
	if q.metrics != nil {
		q.metrics.QueueDeadLetter.WithLabelValues(e.Kind).Inc()
	}
	return q.ackLocked(e.Seq)
}

// Depth returns the number of undelivered entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) ackLocked(seq uint64) error {
	if q.acked[seq] {
		return nil
	}
	if q.tomb == nil {
		f, err := os.OpenFile(filepath.Join(q.dir, "tombstones.log"),
			os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open tombstones: %w", err)
		}
		q.tomb = f
	}
	if _, err := fmt.Fprintf(q.tomb, "%d\n", seq); err != nil {
		return fmt.Errorf("write tombstone: %w", err)
	}
	if err := q.tomb.Sync(); err != nil {
		return fmt.Errorf("sync tombstone: %w", err)
	}
	q.acked[seq] = true
	q.dropFromMemory(seq)
	q.space.Broadcast()
	q.setDepth()
	return nil
}

func (q *Queue) dropFromMemory(seq uint64) {
	for i, e := range q.entries {
		if e.Seq == seq {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// appendLocked writes the entry to the current day segment, rotating
// and compacting when the day rolls over.
func (q *Queue) appendLocked(e *Entry) error {
	day := e.EnqueuedAt.Format("2006-01-02")
	if day != q.segDay {
		if q.segFile != nil {
			q.segFile.Close()
			q.segFile = nil
		}
		if q.segDay != "" {
			if err := q.compactLocked(); err != nil {
				q.log.Warn().Err(err).Msg("queue compaction failed")
			}
		}
		f, err := os.OpenFile(q.segPath(day), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open segment: %w", err)
		}
		q.segFile = f
		q.segDay = day
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := q.segFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	if err := q.segFile.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	return nil
}

func (q *Queue) evictExpiredLocked() {
	cutoff := time.Now().UTC().Add(-q.maxAge)
	for len(q.entries) > 0 && q.entries[0].EnqueuedAt.Before(cutoff) {
		q.evictLocked(q.entries[0], "age")
	}
}

// enforceCapLocked drops overflow past maxEntries, oldest non-evidence
// first and oldest evidence only when nothing else remains. Only an
// evidence enqueue can push the queue over the cap; non-evidence
// enqueues wait for space instead.
func (q *Queue) enforceCapLocked() {
	q.evictExpiredLocked()
	for len(q.entries) > q.maxEntries {
		victim := q.oldestNonEvidence()
		if victim == nil {
			victim = q.entries[0] // only evidence left
		}
		q.evictLocked(victim, "overflow")
	}
}

func (q *Queue) oldestNonEvidence() *Entry {
	for _, e := range q.entries {
		if e.Kind != KindEvidence {
			return e
		}
	}
	return nil
}

func (q *Queue) evictLocked(e *Entry, why string) {
	q.log.Warn().Uint64("seq", e.Seq).Str("kind", e.Kind).Str("reason", why).
		Msg("queue entry evicted undelivered")
	if q.metrics != nil {
		q.metrics.QueueEvicted.WithLabelValues(e.Kind).Inc()
	}
	if err := q.ackLocked(e.Seq); err != nil {
		q.log.Error().Err(err).Uint64("seq", e.Seq).Msg("evict tombstone failed")
	}
}

func (q *Queue) segPath(day string) string {
	return filepath.Join(q.dir, "segment-"+day+".log")
}

// replay loads every segment, drops tombstoned entries, and resumes
// the sequence counter past the highest seq ever written.
func (q *Queue) replay() error {
	if data, err := os.ReadFile(filepath.Join(q.dir, "tombstones.log")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var seq uint64
			if _, err := fmt.Sscanf(line, "%d", &seq); err == nil {
				q.acked[seq] = true
			}
		}
	}

	segs, err := filepath.Glob(filepath.Join(q.dir, "segment-*.log"))
	if err != nil {
		return err
	}
	sort.Strings(segs)
	for _, seg := range segs {
		if err := q.replaySegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) replaySegment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Torn tail write from a crash mid-append: the entry was
			// never acknowledged to the producer, dropping it is safe.
			q.log.Warn().Str("segment", filepath.Base(path)).Msg("skipping torn entry")
			continue
		}
		if e.Seq > q.seq {
			q.seq = e.Seq
		}
		if !q.acked[e.Seq] {
			q.entries = append(q.entries, &e)
		}
	}
	return sc.Err()
}

// compactLocked rewrites segments without delivered entries and resets
// the tombstone log. Runs at day rotation.
func (q *Queue) compactLocked() error {
	segs, err := filepath.Glob(filepath.Join(q.dir, "segment-*.log"))
	if err != nil {
		return err
	}
	live := make(map[uint64]bool, len(q.entries))
	for _, e := range q.entries {
		live[e.Seq] = true
	}

	for _, seg := range segs {
		data, err := os.ReadFile(seg)
		if err != nil {
			return err
		}
		var kept []string
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var e Entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				continue
			}
			if live[e.Seq] {
				kept = append(kept, line)
			}
		}
		if len(kept) == 0 {
			if err := os.Remove(seg); err != nil {
				return err
			}
			continue
		}
		tmp := seg + ".tmp"
		if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")+"\n"), 0o600); err != nil {
			return err
		}
		if err := os.Rename(tmp, seg); err != nil {
			return err
		}
	}

	if q.tomb != nil {
		q.tomb.Close()
		q.tomb = nil
	}
	if err := os.Remove(filepath.Join(q.dir, "tombstones.log")); err != nil && !os.IsNotExist(err) {
		return err
	}
	q.acked = make(map[uint64]bool)
	q.log.Info().Int("live", len(q.entries)).Msg("queue compacted")
	return nil
}

func (q *Queue) setDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.entries)))
	}
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
