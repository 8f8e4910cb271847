package healing

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Planner-call pricing per million tokens. The remote planner reports
// token counts; the tracker converts them to spend.
const (
	inputPricePerMTok  = 0.80
	outputPricePerMTok = 4.00
)

// ErrBudgetExhausted marks a denied planner call. It is not a failure:
// the healer promotes the incident straight to L3.
var ErrBudgetExhausted = errors.New("l2 budget exhausted")

// BudgetTracker enforces the daily spend cap, hourly call cap and
// in-flight concurrency for L2 planner calls.
type BudgetTracker struct {
	mu sync.Mutex

	dailyBudgetUSD  float64
	maxCallsPerHour int

	dailySpendUSD float64
	dailyDate     string
	hourlyCalls   int
	hourlyReset   time.Time

	sem chan struct{}
}

// NewBudgetTracker applies standard caps for zero values.
func NewBudgetTracker(dailyBudgetUSD float64, maxCallsPerHour, maxConcurrent int) *BudgetTracker {
	if dailyBudgetUSD <= 0 {
		dailyBudgetUSD = 10.00
	}
	if maxCallsPerHour <= 0 {
		maxCallsPerHour = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &BudgetTracker{
		dailyBudgetUSD:  dailyBudgetUSD,
		maxCallsPerHour: maxCallsPerHour,
		dailyDate:       time.Now().UTC().Format("2006-01-02"),
		hourlyReset:     time.Now().UTC().Add(time.Hour),
		sem:             make(chan struct{}, maxConcurrent),
	}
}

// Admit checks budget and acquires a concurrency slot. On success the
// returned release func must be called. Denials return
// ErrBudgetExhausted wrapped with the reason.
func (b *BudgetTracker) Admit() (func(), error) {
	b.mu.Lock()
	b.resetIfNeeded()
	if b.dailySpendUSD >= b.dailyBudgetUSD {
		spent := b.dailySpendUSD
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: $%.4f of $%.2f daily", ErrBudgetExhausted, spent, b.dailyBudgetUSD)
	}
	if b.hourlyCalls >= b.maxCallsPerHour {
		calls := b.hourlyCalls
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d hourly calls", ErrBudgetExhausted, calls, b.maxCallsPerHour)
	}
	b.mu.Unlock()

	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	default:
		return nil, fmt.Errorf("%w: concurrency limit reached", ErrBudgetExhausted)
	}
}

// RecordCall charges a completed call and increments the hourly count.
// Returns the computed cost.
func (b *BudgetTracker) RecordCall(inputTokens, outputTokens int) float64 {
	cost := float64(inputTokens)/1_000_000*inputPricePerMTok +
		float64(outputTokens)/1_000_000*outputPricePerMTok

	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	b.dailySpendUSD += cost
	b.hourlyCalls++
	return cost
}

// Spend returns today's accumulated spend.
func (b *BudgetTracker) Spend() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	return b.dailySpendUSD
}

// resetIfNeeded rolls the daily and hourly windows. Callers hold mu.
func (b *BudgetTracker) resetIfNeeded() {
	now := time.Now().UTC()
	if today := now.Format("2006-01-02"); today != b.dailyDate {
		b.dailySpendUSD = 0
		b.dailyDate = today
	}
	if now.After(b.hourlyReset) {
		b.hourlyCalls = 0
		b.hourlyReset = now.Add(time.Hour)
	}
}
