package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/metrics"
)

// Sender delivers one payload to the kind-appropriate endpoint. A nil
// return acknowledges the entry; a PermanentError dead-letters it; any
// other error leaves it at the head for retry with backoff.
type Sender interface {
	Deliver(ctx context.Context, kind string, payload []byte) error
}

// PermanentError marks a delivery failure that retrying will not fix:
// a 4xx other than 429, a schema rejection, a revoked credential.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

const (
	backoffBase = 5 * time.Second
	backoffCap  = 10 * time.Minute
)

// Drainer pumps the queue into a Sender. Kinds progress independently:
// a poisoned kind backing off does not stall the others.
type Drainer struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	queue   *Queue
	sender  Sender

	mu       sync.Mutex
	failures map[string]int       // kind -> consecutive failures
	nextTry  map[string]time.Time // kind -> earliest next attempt
}

// NewDrainer wires a drain loop over the queue.
func NewDrainer(log zerolog.Logger, m *metrics.Metrics, q *Queue, s Sender) *Drainer {
	return &Drainer{
		log:      log,
		metrics:  m,
		queue:    q,
		sender:   s,
		failures: make(map[string]int),
		nextTry:  make(map[string]time.Time),
	}
}

// DrainOnce walks every pending kind and delivers entries in enqueue
// order until the kind empties, fails, or ctx is cancelled. The
// scheduler owns the drain cadence.
func (d *Drainer) DrainOnce(ctx context.Context) {
	for _, kind := range d.queue.Kinds() {
		if ctx.Err() != nil {
			return
		}
		if !d.due(kind) {
			continue
		}
		d.drainKind(ctx, kind)
	}
}

func (d *Drainer) drainKind(ctx context.Context, kind string) {
	for {
		if ctx.Err() != nil {
			return
		}
		e := d.queue.Head(kind)
		if e == nil {
			return
		}

		err := d.sender.Deliver(ctx, kind, e.Payload)
		if err == nil {
			if aerr := d.queue.Ack(e.Seq); aerr != nil {
				d.log.Error().Err(aerr).Uint64("seq", e.Seq).Msg("ack failed")
				return
			}
			if d.metrics != nil {
				d.metrics.QueueDelivered.WithLabelValues(kind).Inc()
			}
			d.clearBackoff(kind)
			continue
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			d.log.Error().Err(err).Uint64("seq", e.Seq).Str("kind", kind).
				Msg("dead-lettering undeliverable entry")
			if dlerr := d.queue.DeadLetter(e, err.Error()); dlerr != nil {
				d.log.Error().Err(dlerr).Uint64("seq", e.Seq).Msg("dead-letter failed")
				return
			}
			d.clearBackoff(kind)
			continue
		}

		delay := d.recordFailure(kind)
		d.log.Warn().Err(err).Str("kind", kind).Dur("backoff", delay).
			Msg("delivery failed, backing off")
		if d.metrics != nil {
			d.metrics.CountError("queue", metrics.ClassTransient)
		}
		return
	}
}

func (d *Drainer) due(kind string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().After(d.nextTry[kind])
}

// recordFailure advances the exponential backoff with full jitter:
// sleep = random(0, min(cap, base*2^n)).
func (d *Drainer) recordFailure(kind string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.failures[kind]
	d.failures[kind] = n + 1

	ceil := backoffBase << uint(n)
	if ceil > backoffCap || ceil <= 0 {
		ceil = backoffCap
	}
	delay := time.Duration(rand.Int63n(int64(ceil) + 1))
	d.nextTry[kind] = time.Now().Add(delay)
	return delay
}

func (d *Drainer) clearBackoff(kind string) {
	d.mu.Lock()
	delete(d.failures, kind)
	delete(d.nextTry, kind)
	d.mu.Unlock()
}

// Backoff reports the current consecutive failure count for a kind.
func (d *Drainer) Backoff(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[kind]
}
