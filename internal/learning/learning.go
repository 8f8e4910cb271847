// Package learning runs the fleet learning cycle: push local pattern
// statistics and execution telemetry upward, pull promoted rules down,
// and merge them into the live L1 ruleset.
package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/central"
	"github.com/osiriscare/appliance-agent/internal/healing"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/queue"
)

// SyncClient is the slice of the Central Command client the learning
// cycle needs.
type SyncClient interface {
	PushPatternStats(ctx context.Context, batch []byte) error
	PullPromotedRules(ctx context.Context, since string) (*central.PromotedRulesResponse, error)
}

// Enqueuer buffers payloads for later delivery when the push path is
// offline.
type Enqueuer interface {
	Enqueue(kind string, payload []byte) error
}

// cursors are persisted so a restart resumes the sync where it left
// off. Re-pushing a stat is harmless (server-side idempotent) so the
// cursor only needs to be durable, not transactional.
type cursors struct {
	PatternSeq int64  `json:"pattern_seq"`
	RuleCursor string `json:"rule_cursor"`
}

// Service is the 4-hour learning cadence body.
type Service struct {
	log    zerolog.Logger
	siteID string
	store  *incident.Store
	client SyncClient
	queue  Enqueuer
	loader *healing.Loader
	healer *healing.Healer

	rulesDir   string
	cursorPath string

	mu  sync.Mutex
	cur cursors
}

// New loads the persisted cursors.
func New(log zerolog.Logger, siteID string, store *incident.Store, client SyncClient, q Enqueuer,
	loader *healing.Loader, healer *healing.Healer, rulesDir, stateDir string) (*Service, error) {

	s := &Service{
		log:        log,
		siteID:     siteID,
		store:      store,
		client:     client,
		queue:      q,
		loader:     loader,
		healer:     healer,
		rulesDir:   rulesDir,
		cursorPath: filepath.Join(stateDir, "learning-cursor.json"),
	}
	if data, err := os.ReadFile(s.cursorPath); err == nil {
		if err := json.Unmarshal(data, &s.cur); err != nil {
			log.Warn().Err(err).Msg("resetting unreadable learning cursor")
			s.cur = cursors{}
		}
	}
	return s, nil
}

// Sync runs one full cycle: push stats, pull promoted rules, merge.
// The scheduler owns the cadence.
func (s *Service) Sync(ctx context.Context) {
	if err := s.pushStats(ctx); err != nil {
		s.log.Warn().Err(err).Msg("pattern stat push failed")
	}
	if err := s.pullRules(ctx); err != nil {
		s.log.Warn().Err(err).Msg("promoted rule pull failed")
	}
	s.merge()
}

// statBatch is the push payload.
type statBatch struct {
	SiteID string                 `json:"site_id"`
	Stats  []incident.PatternStat `json:"stats"`
}

// pushStats sends stat rows updated since the cursor. When the direct
// push fails the batch goes to the offline queue, which guarantees
// delivery, so the cursor advances either way.
func (s *Service) pushStats(ctx context.Context) error {
	s.mu.Lock()
	since := s.cur.PatternSeq
	s.mu.Unlock()

	stats, next, err := s.store.PatternStatsSince(since)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}

	payload, err := json.Marshal(statBatch{SiteID: s.siteID, Stats: stats})
	if err != nil {
		return fmt.Errorf("marshal stat batch: %w", err)
	}

	if err := s.client.PushPatternStats(ctx, payload); err != nil {
		if s.queue == nil {
			return err
		}
		s.log.Info().Int("stats", len(stats)).Msg("push offline, spooling stat batch")
		if qerr := s.queue.Enqueue(queue.KindPatternStat, payload); qerr != nil {
			return errors.Join(err, qerr)
		}
	}

	s.mu.Lock()
	s.cur.PatternSeq = next
	s.mu.Unlock()
	s.saveCursors()
	s.log.Debug().Int("stats", len(stats)).Int64("cursor", next).Msg("pattern stats pushed")
	return nil
}

// pullRules fetches promoted rules and persists them as a signed
// bundle in the rules directory, where the loader picks them up. The
// file survives restarts, so a pull is needed only for new promotions.
func (s *Service) pullRules(ctx context.Context) error {
	s.mu.Lock()
	since := s.cur.RuleCursor
	s.mu.Unlock()

	resp, err := s.client.PullPromotedRules(ctx, since)
	if err != nil {
		return err
	}
	if len(resp.Rules) == 0 {
		return nil
	}

	bundle, err := json.MarshalIndent(map[string]any{
		"rules":     resp.Rules,
		"signature": resp.Signature,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rule bundle: %w", err)
	}

	path := filepath.Join(s.rulesDir, "promoted.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bundle, 0o644); err != nil {
		return fmt.Errorf("write promoted bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit promoted bundle: %w", err)
	}

	s.mu.Lock()
	s.cur.RuleCursor = resp.Cursor
	s.mu.Unlock()
	s.saveCursors()
	s.log.Info().Int("rules", len(resp.Rules)).Str("cursor", resp.Cursor).Msg("promoted rules pulled")
	return nil
}

// merge rebuilds the ruleset from all three provenances and swaps it
// into the healer atomically.
func (s *Service) merge() {
	if s.loader == nil || s.healer == nil {
		return
	}
	rs := s.loader.Load()
	s.healer.SwapRules(rs)
	s.log.Debug().Int("rules", rs.Len()).Msg("ruleset merged")
}

// RecordExecution spools one healing result as execution telemetry.
// The queue owns delivery; the learning cadence never re-sends these.
func (s *Service) RecordExecution(result *healing.Result) {
	if s.queue == nil {
		return
	}
	record := map[string]any{
		"site_id":     s.siteID,
		"incident_id": result.IncidentID,
		"tier":        string(result.Tier),
		"outcome":     string(result.Outcome),
		"runbook_id":  result.RunbookID,
		"rule_id":     result.RuleID,
		"error":       result.Error,
		"reason":      result.Reason,
		"dry_run":     result.DryRun,
		"duration_ms": result.DurationMs,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := s.queue.Enqueue(queue.KindExecution, payload); err != nil {
		s.log.Warn().Err(err).Msg("execution telemetry enqueue failed")
	}
}

func (s *Service) saveCursors() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.cur, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return
	}
	tmp := s.cursorPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.log.Warn().Err(err).Msg("cursor write failed")
		return
	}
	if err := os.Rename(tmp, s.cursorPath); err != nil {
		s.log.Warn().Err(err).Msg("cursor commit failed")
	}
}
