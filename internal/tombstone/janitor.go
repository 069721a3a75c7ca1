package tombstone

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor runs Purge periodically until stopped
type Janitor struct {
	svc      *Service
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a janitor; interval <= 0 defaults to one hour
func NewJanitor(svc *Service, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{svc: svc, interval: interval}
}

// Start launches the purge loop
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := j.svc.Purge(ctx, j.svc.now()); err != nil {
					log.Error().Err(err).Msg("tombstone purge failed")
				}
			}
		}
	}()
	log.Info().Dur("interval", j.interval).Msg("tombstone janitor started")
}

// Stop cancels the loop and waits for it to exit
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}
