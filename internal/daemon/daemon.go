// Package daemon wires the agent together: check-in, scan, heal,
// evidence, queue drain, learning, orders and intake, all driven by the
// scheduler's cadences.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/central"
	"github.com/osiriscare/appliance-agent/internal/config"
	"github.com/osiriscare/appliance-agent/internal/crypto"
	"github.com/osiriscare/appliance-agent/internal/discovery"
	"github.com/osiriscare/appliance-agent/internal/drift"
	"github.com/osiriscare/appliance-agent/internal/evidence"
	"github.com/osiriscare/appliance-agent/internal/healing"
	"github.com/osiriscare/appliance-agent/internal/incident"
	"github.com/osiriscare/appliance-agent/internal/intake"
	"github.com/osiriscare/appliance-agent/internal/learning"
	"github.com/osiriscare/appliance-agent/internal/logging"
	"github.com/osiriscare/appliance-agent/internal/metrics"
	"github.com/osiriscare/appliance-agent/internal/queue"
	"github.com/osiriscare/appliance-agent/internal/runbook"
	"github.com/osiriscare/appliance-agent/internal/scheduler"
	"github.com/osiriscare/appliance-agent/internal/sdnotify"
	"github.com/osiriscare/appliance-agent/internal/sshexec"
	"github.com/osiriscare/appliance-agent/internal/winrmexec"
)

// Daemon owns every long-lived component and the target set.
type Daemon struct {
	log     zerolog.Logger
	cfg     *config.Config
	metrics *metrics.Metrics
	version string

	signer   *evidence.Signer
	verifier *crypto.Verifier
	store    *incident.Store
	books    *runbook.Registry
	queue    *queue.Queue
	drainer  *queue.Drainer
	client   *central.Client
	orders   *central.Processor
	pipeline *evidence.Pipeline
	anchor   *evidence.Anchor
	loader   *healing.Loader
	healer   *healing.Healer
	learning *learning.Service
	intake   *intake.Server
	httpSrv  *intake.HTTPServer
	enum     *discovery.Enumerator
	sched    *scheduler.Scheduler

	winrm    *winrmexec.Executor
	ssh      *sshexec.Executor
	dispatch *healing.Dispatcher

	selfDet *drift.SelfDetector
	winDet  *drift.WindowsDetector
	linDet  *drift.LinuxDetector
	wsDet   *drift.WorkstationDetector

	mu          sync.Mutex
	targets     []*drift.Target
	applianceID string
	lastCheckin time.Time
	lastDomain  string
}

// New builds the daemon bottom-up. The signer is loaded by the caller
// so key failures map to their own exit code.
func New(root zerolog.Logger, cfg *config.Config, signer *evidence.Signer, version string) (*Daemon, error) {
	m := metrics.New()

	d := &Daemon{
		log:     logging.Component(root, "daemon"),
		cfg:     cfg,
		metrics: m,
		signer:  signer,
		version: version,
	}

	store, err := incident.Open(logging.Component(root, "incident"), cfg.IncidentDBPath())
	if err != nil {
		return nil, fmt.Errorf("incident store: %w", err)
	}
	d.store = store

	q, err := queue.Open(logging.Component(root, "queue"), m, cfg.QueueDir(),
		cfg.Queue.MaxEntries, cfg.Queue.MaxAgeDays)
	if err != nil {
		return nil, fmt.Errorf("offline queue: %w", err)
	}
	d.queue = q

	if cfg.OTS.Enabled {
		anchor, err := evidence.NewAnchor(logging.Component(root, "ots"), cfg.OTS.Calendars, cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("ots anchor: %w", err)
		}
		d.anchor = anchor
	}

	pipeline, err := evidence.NewPipeline(logging.Component(root, "evidence"), m,
		cfg.SiteID, signer, q, d.anchor, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("evidence pipeline: %w", err)
	}
	d.pipeline = pipeline

	d.client = central.NewClient(logging.Component(root, "central"), m, cfg.CentralCommand)
	d.drainer = queue.NewDrainer(logging.Component(root, "drain"), m, q, d.client)

	d.verifier = crypto.NewVerifier("")
	if path := cfg.CentralCommand.ServerPubKeyPath; path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := d.verifier.SetPublicKey(strings.TrimSpace(string(data))); err != nil {
				d.log.Warn().Err(err).Msg("pinned server key unusable, waiting for check-in")
			}
		}
	}

	nonces, err := central.NewNonceCache(logging.Component(root, "orders"), cfg.NoncesPath())
	if err != nil {
		return nil, fmt.Errorf("nonce cache: %w", err)
	}
	d.orders = central.NewProcessor(logging.Component(root, "orders"), m, d.client, d.verifier, nonces)

	books, err := runbook.NewRegistry(logging.Component(root, "runbook"), cfg.RunbooksDir())
	if err != nil {
		return nil, fmt.Errorf("runbook registry: %w", err)
	}
	d.books = books

	d.winrm = winrmexec.New(logging.Component(root, "winrm"))
	d.ssh = sshexec.New(logging.Component(root, "ssh"), cfg.StateDir)
	local := healing.NewLocalRunner(logging.Component(root, "local"))
	d.dispatch = healing.NewDispatcher(logging.Component(root, "dispatch"), books, d.winrm, d.ssh, local)

	var planner *healing.Planner
	if cfg.Healing.L2Enabled {
		planner = healing.NewPlanner(logging.Component(root, "l2"), m, cfg.Healing.L2, cfg.SiteID)
	}
	router := healing.NewRouter(logging.Component(root, "escalate"), cfg.Escalation)

	d.healer = healing.New(logging.Component(root, "healer"), m, cfg.Healing, cfg.Window(),
		store, d.dispatch, planner, router, d.client, filepath.Join(cfg.StateDir, "circuit.json"))

	d.loader = healing.NewLoader(logging.Component(root, "rules"), m, cfg.RulesDir, d.verifier, books)
	d.healer.SwapRules(d.loader.Load())

	svc, err := learning.New(logging.Component(root, "learning"), cfg.SiteID, store, d.client, q,
		d.loader, d.healer, cfg.RulesDir, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("learning service: %w", err)
	}
	d.learning = svc

	d.selfDet = drift.NewSelfDetector(logging.Component(root, "self"), cfg.HostID)
	d.winDet = drift.NewWindowsDetector(logging.Component(root, "windows"), d.winrm)
	d.linDet = drift.NewLinuxDetector(logging.Component(root, "linux"), d.ssh)
	d.wsDet = drift.NewWorkstationDetector(logging.Component(root, "workstation"), d.winrm)
	d.enum = discovery.NewEnumerator(logging.Component(root, "discovery"), d.winrm)

	if cfg.GRPCEnabled() {
		d.intake = intake.NewServer(logging.Component(root, "intake"), m, cfg.GRPC)
	}
	d.httpSrv = intake.NewHTTPServer(logging.Component(root, "http"), m, cfg.GRPC.HTTPPort, d.ready)

	d.sched = scheduler.New(logging.Component(root, "scheduler"), cfg.Intervals.JitterPct, cfg.Window(), 0)
	d.registerTasks()
	d.registerOrderHandlers()

	return d, nil
}

// ready reports whether the agent has checked in within five minutes.
func (d *Daemon) ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.lastCheckin.IsZero() && time.Since(d.lastCheckin) < 5*time.Minute
}

func (d *Daemon) registerTasks() {
	iv := d.cfg.Intervals
	sec := func(n, def int) time.Duration {
		if n <= 0 {
			n = def
		}
		return time.Duration(n) * time.Second
	}

	d.sched.Add(&scheduler.Task{
		Name: "checkin", Interval: sec(iv.CheckinSec, 60),
		Run: d.checkin,
	})
	d.sched.Add(&scheduler.Task{
		Name: "drift_scan", Interval: sec(iv.DriftScanSec, 300),
		Run: d.scanAll,
	})
	d.sched.Add(&scheduler.Task{
		Name: "workstation_discovery", Interval: sec(iv.WorkstationDiscoverySec, 3600),
		Run: d.discoverWorkstations,
	})
	d.sched.Add(&scheduler.Task{
		Name: "workstation_compliance", Interval: sec(iv.WorkstationComplianceSec, 600),
		Run: d.scanWorkstations,
	})
	d.sched.Add(&scheduler.Task{
		Name: "learning_sync", Interval: sec(iv.LearningSyncSec, 14400),
		Run: d.learning.Sync,
	})
	d.sched.Add(&scheduler.Task{
		Name: "queue_drain", Interval: sec(iv.QueueDrainSec, 5),
		Run: d.drainer.DrainOnce,
	})
	d.sched.Add(&scheduler.Task{
		Name: "flap_gc", Interval: sec(iv.FlapGCSec, 60),
		Run: func(context.Context) { d.healer.Flap().GC() },
	})
}

// Run starts every component, blocks until ctx is cancelled, then
// shuts down in reverse order with a bounded drain.
func (d *Daemon) Run(ctx context.Context) error {
	sdnotify.Status("starting")

	// Incidents stuck resolving from a crashed run are retried first.
	if open, err := d.healer.RecoverOpen(50); err != nil {
		d.log.Warn().Err(err).Msg("incident recovery failed")
	} else {
		for _, inc := range open {
			d.rehandle(ctx, inc)
		}
	}

	var wg sync.WaitGroup
	if d.anchor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.anchor.Run(ctx, 10*time.Minute)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healing.WatchRules(ctx, d.log, d.cfg.RulesDir, d.loader, d.healer); err != nil && ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("rules watcher stopped")
		}
	}()

	if d.intake != nil {
		lis, err := d.intake.Listen()
		if err != nil {
			return err
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := d.intake.Serve(lis); err != nil && ctx.Err() == nil {
				d.log.Error().Err(err).Msg("intake server stopped")
			}
		}()
		go func() {
			defer wg.Done()
			d.consumeIntake(ctx)
		}()
	}

	httpLis, err := d.httpSrv.Listen()
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.httpSrv.Serve(httpLis); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("http server stopped")
		}
	}()

	// First check-in now rather than one interval from now.
	d.sched.Trigger("checkin")
	sdnotify.Ready()
	sdnotify.Status("running")

	d.sched.Run(ctx)

	// Reverse-order shutdown: stop intake first so no new work arrives,
	// then flush the queue within the drain budget, then close state.
	sdnotify.Stopping()
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.intake != nil {
		d.intake.GracefulStop()
	}
	d.httpSrv.Shutdown(drainCtx)
	d.drainer.DrainOnce(drainCtx)

	wg.Wait()
	if err := d.queue.Close(); err != nil {
		d.log.Warn().Err(err).Msg("queue close failed")
	}
	if err := d.store.Close(); err != nil {
		d.log.Warn().Err(err).Msg("incident store close failed")
	}
	d.log.Info().Msg("shutdown complete")
	return nil
}

// Targets returns the current target snapshot.
func (d *Daemon) Targets() []*drift.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*drift.Target(nil), d.targets...)
}
