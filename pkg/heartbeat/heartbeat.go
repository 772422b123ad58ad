package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/discopilot/discopilot/pkg/logger"
)

const DefaultSchedule = "*/30 * * * *"

// Service runs a cron-scheduled callback while the gateway is up. Used for
// the periodic status beat: refresh the config cache and log liveness.
type Service struct {
	schedule string
	enabled  bool
	onBeat   func(ctx context.Context)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(schedule string, enabled bool, onBeat func(ctx context.Context)) *Service {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Service{
		schedule: schedule,
		enabled:  enabled,
		onBeat:   onBeat,
	}
}

func (s *Service) Start() error {
	if !s.enabled {
		logger.InfoC("heartbeat", "Heartbeat disabled")
		return nil
	}
	if !gronx.New().IsValid(s.schedule) {
		return fmt.Errorf("invalid heartbeat schedule %q", s.schedule)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)

	logger.InfoCF("heartbeat", "Heartbeat started", map[string]any{
		"schedule": s.schedule,
	})
	return nil
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	logger.InfoC("heartbeat", "Heartbeat stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	for {
		next, err := gronx.NextTick(s.schedule, false)
		if err != nil {
			logger.ErrorCF("heartbeat", "Schedule evaluation failed", map[string]any{
				"error": err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if s.onBeat != nil {
			s.onBeat(ctx)
		}
	}
}
