package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ClubPay/internal/pkg/env"
)

// LeaseSweeper returns deliveries whose lease expired to pending
type LeaseSweeper interface {
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// InboundReprocessor re-applies processor events that could not be applied yet
type InboundReprocessor interface {
	Reprocess(ctx context.Context, olderThan time.Duration, maxAttempts, limit int) (int, error)
}

// DeadLetterArchiver exports dead-lettered events
type DeadLetterArchiver interface {
	ArchiveOnce(ctx context.Context) (int, error)
}

// ManagerConfig holds the intervals of the background tasks
type ManagerConfig struct {
	SweepInterval      time.Duration
	ReprocessInterval  time.Duration
	ReprocessOlderThan time.Duration
	ReprocessMaxTries  int
	ReprocessBatch     int
	ArchiveInterval    time.Duration
}

// LoadManagerConfig loads background task intervals from environment variables
func LoadManagerConfig() ManagerConfig {
	return ManagerConfig{
		SweepInterval:      env.GetEnvDuration("DISPATCH_SWEEP_INTERVAL", 30*time.Second),
		ReprocessInterval:  env.GetEnvDuration("INBOUND_REPROCESS_INTERVAL", time.Minute),
		ReprocessOlderThan: env.GetEnvDuration("INBOUND_REPROCESS_AFTER", time.Minute),
		ReprocessMaxTries:  env.GetEnvInt("INBOUND_REPROCESS_MAX_ATTEMPTS", 5),
		ReprocessBatch:     env.GetEnvInt("INBOUND_REPROCESS_BATCH", 100),
		ArchiveInterval:    env.GetEnvDuration("ARCHIVE_INTERVAL", 10*time.Minute),
	}
}

// Manager runs the dispatcher together with its periodic maintenance tasks
type Manager struct {
	dispatcher      *Dispatcher
	sweeper         LeaseSweeper
	reprocessor     InboundReprocessor
	archiver        DeadLetterArchiver
	cfg             ManagerConfig
	sweepTicker     *time.Ticker
	reprocessTicker *time.Ticker
	archiveTicker   *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager creates a manager. reprocessor and archiver may be nil.
func NewManager(d *Dispatcher, sweeper LeaseSweeper, reprocessor InboundReprocessor, archiver DeadLetterArchiver, cfg ManagerConfig) *Manager {
	return &Manager{
		dispatcher:  d,
		sweeper:     sweeper,
		reprocessor: reprocessor,
		archiver:    archiver,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
	}
}

// Dispatcher returns the managed dispatcher
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Start starts the dispatcher and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Dispatch Manager] Starting dispatcher and background tasks")

	m.dispatcher.Start()

	m.sweepTicker = time.NewTicker(positive(m.cfg.SweepInterval, 30*time.Second))
	m.wg.Add(1)
	go m.run(m.stopCh, m.sweepTicker, m.sweepLeases)

	if m.reprocessor != nil {
		m.reprocessTicker = time.NewTicker(positive(m.cfg.ReprocessInterval, time.Minute))
		m.wg.Add(1)
		go m.run(m.stopCh, m.reprocessTicker, m.reprocessInbound)
	}

	if m.archiver != nil {
		m.archiveTicker = time.NewTicker(positive(m.cfg.ArchiveInterval, 10*time.Minute))
		m.wg.Add(1)
		go m.run(m.stopCh, m.archiveTicker, m.archiveDeadLetters)
	}

	log.Info("[Dispatch Manager] Started successfully")
}

// Stop stops background tasks and the dispatcher
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Dispatch Manager] Stopping dispatcher and background tasks...")

	for _, t := range []*time.Ticker{m.sweepTicker, m.reprocessTicker, m.archiveTicker} {
		if t != nil {
			t.Stop()
		}
	}

	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	m.wg.Wait()
	m.dispatcher.Stop()

	log.Info("[Dispatch Manager] Stopped successfully")
}

// IsRunning returns whether the manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) run(stopCh chan struct{}, ticker *time.Ticker, task func(ctx context.Context)) {
	defer m.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			task(context.Background())
		}
	}
}

func (m *Manager) sweepLeases(ctx context.Context) {
	n, err := m.sweeper.ReleaseExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		log.Errorf("[Dispatch Manager] Lease sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Warnf("[Dispatch Manager] Released %d expired delivery leases", n)
	}
}

func (m *Manager) reprocessInbound(ctx context.Context) {
	n, err := m.reprocessor.Reprocess(ctx, m.cfg.ReprocessOlderThan, m.cfg.ReprocessMaxTries, m.cfg.ReprocessBatch)
	if err != nil {
		log.Errorf("[Dispatch Manager] Inbound reprocessing failed: %v", err)
		return
	}
	if n > 0 {
		log.Infof("[Dispatch Manager] Applied %d deferred processor events", n)
	}
}

func (m *Manager) archiveDeadLetters(ctx context.Context) {
	if _, err := m.archiver.ArchiveOnce(ctx); err != nil {
		log.Errorf("[Dispatch Manager] Dead-letter archive failed: %v", err)
	}
}

func positive(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
