package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/cache"
	"github.com/ManuelReschke/Talentis/internal/pkg/metrics"
)

const sweepLockPrefix = "lock:sweep:"

// Sweep is a periodic maintenance task. Run returns the number of rows it
// changed.
type Sweep struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Manager runs the job queue and the maintenance sweeps. A Redis lock keeps
// each sweep to one instance at a time across processes.
type Manager struct {
	queue   *Queue
	rdb     *redis.Client
	sweeps  map[string]Sweep
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewManager(rdb *redis.Client, queue *Queue) *Manager {
	return &Manager{
		queue:  queue,
		rdb:    rdb,
		sweeps: make(map[string]Sweep),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// AddSweep registers a sweep. Call before Start.
func (m *Manager) AddSweep(s Sweep) {
	m.sweeps[s.Name] = s
}

// Sweeps returns the registered sweep names, sorted.
func (m *Manager) Sweeps() []string {
	names := make([]string, 0, len(m.sweeps))
	for name := range m.sweeps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Fresh stop channel per start cycle so the manager can be restarted.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}
	for _, s := range m.sweeps {
		if s.Interval <= 0 {
			continue
		}
		m.wg.Add(1)
		go m.sweepWorker(s, m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepWorker(s Sweep, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started %s sweep (interval: %s)", s.Name, s.Interval)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] %s sweep stopping", s.Name)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.Interval)
			if _, err := m.RunSweep(ctx, s.Name); err != nil && !apperr.HasCode(err, apperr.ECONFLICT) {
				log.Errorf("[JobQueue Manager] %s sweep error: %v", s.Name, err)
			}
			cancel()
		}
	}
}

// RunSweep runs one sweep now. It fails with Conflict when another instance
// holds the sweep's lock.
func (m *Manager) RunSweep(ctx context.Context, name string) (int64, error) {
	const op = "jobqueue.RunSweep"
	s, ok := m.sweeps[name]
	if !ok {
		return 0, apperr.NotFound(op, fmt.Sprintf("Tâche de maintenance inconnue: %s", name))
	}

	ttl := s.Interval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	release, ok, err := cache.Lock(ctx, m.rdb, sweepLockPrefix+name, ttl)
	if err != nil {
		return 0, apperr.Internal(op, err)
	}
	if !ok {
		return 0, apperr.Conflict(op, fmt.Sprintf("La tâche %s est déjà en cours", name))
	}
	defer release()

	start := time.Now()
	n, err := s.Run(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SweepDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
	if n > 0 {
		metrics.SweepRowsTotal.WithLabelValues(name).Add(float64(n))
		log.Debugf("[JobQueue Manager] %s sweep changed %d rows", name, n)
	}
	return n, err
}
