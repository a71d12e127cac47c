package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// Purger drops expired session grants.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// AttemptPruner deletes payment attempts completed before a cutoff.
type AttemptPruner interface {
	PruneAttempts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically removes expired session grants and old payment
// attempts. Either dependency may be nil.
type Janitor struct {
	sessions  Purger
	attempts  AttemptPruner
	interval  time.Duration
	retention time.Duration
	logger    *utils.LogsManager

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
	done    chan struct{}
}

func NewJanitor(cm *utils.ConfigManager, sessions Purger, attempts AttemptPruner, logger *utils.LogsManager) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		sessions:  sessions,
		attempts:  attempts,
		interval:  cm.GetConfigDuration("janitor_interval", 5*time.Minute),
		retention: cm.GetConfigDuration("attempt_retention", 30*24*time.Hour),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true

	j.logger.Info(fmt.Sprintf("Starting janitor (every %s, attempt retention %s)", j.interval, j.retention), "janitor")
	go j.loop()
}

func (j *Janitor) loop() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(j.ctx)
		case <-j.ctx.Done():
			j.logger.Info("Janitor stopped", "janitor")
			return
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.sessions != nil {
		n, err := j.sessions.Purge(ctx)
		if err != nil {
			j.logger.Error(fmt.Sprintf("Failed to purge expired sessions: %v", err), "janitor")
		} else if n > 0 {
			j.logger.Info(fmt.Sprintf("Purged %d expired session grants", n), "janitor")
		}
	}

	if j.attempts != nil && j.retention > 0 {
		n, err := j.attempts.PruneAttempts(ctx, time.Now().Add(-j.retention))
		if err != nil {
			j.logger.Error(fmt.Sprintf("Failed to prune payment attempts: %v", err), "janitor")
		} else if n > 0 {
			j.logger.Info(fmt.Sprintf("Pruned %d payment attempts", n), "janitor")
		}
	}
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	started := j.started
	j.mu.Unlock()

	j.cancel()
	if started {
		<-j.done
	}
}
