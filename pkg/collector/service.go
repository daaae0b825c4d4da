package collector

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Service runs periodic collection passes in the background so the
// serving layer picks up newly mirrored databases without operator
// intervention.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log       logrus.FieldLogger
	collector *Collector
	interval  time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewService wraps a Collector in a ticker-driven background service.
func NewService(
	log logrus.FieldLogger,
	c *Collector,
	interval time.Duration,
) Service {
	return &service{
		log:       log.WithField("component", "collector-service"),
		collector: c,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// Start launches a goroutine that runs one pass immediately and then
// ticks at the configured interval.
func (s *service) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).
		Info("Starting background collection")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the service goroutine to stop and waits for it.
func (s *service) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Background collection stopped")

	return nil
}

func (s *service) runPass(ctx context.Context) {
	report, err := s.collector.Collect(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Collection pass failed")

		return
	}

	if report.Admitted > 0 || len(report.Errors) > 0 {
		s.log.WithFields(logrus.Fields{
			"admitted": report.Admitted,
			"errors":   len(report.Errors),
		}).Info("Background collection pass finished")
	}
}
