package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBridgeIdleTimeout = 2 * time.Minute

	minCleanupInterval = time.Second
	cleanupTimeout     = 2 * time.Minute
)

// IdleBridges lists sessions whose telephony leg has gone quiet
type IdleBridges interface {
	Idle(d time.Duration) []string
}

// TelephonyCloser ends a call as if its telephony leg disconnected
type TelephonyCloser interface {
	TelephonyClosed(ctx context.Context, sessionID string)
}

// SessionCleanupService reaps bridges whose telephony leg sent no audio
// for the idle timeout
type SessionCleanupService struct {
	bridges     IdleBridges
	calls       TelephonyCloser
	idleTimeout time.Duration
	interval    time.Duration
	logger      *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSessionCleanupService creates a new stale bridge reaper
func NewSessionCleanupService(bridges IdleBridges, calls TelephonyCloser, idleTimeout time.Duration, logger *zap.Logger) *SessionCleanupService {
	if idleTimeout <= 0 {
		idleTimeout = DefaultBridgeIdleTimeout
		logger.Info("Using default bridge idle timeout", zap.Duration("idleTimeout", idleTimeout))
	}

	return &SessionCleanupService{
		bridges:     bridges,
		calls:       calls,
		idleTimeout: idleTimeout,
		interval:    max(idleTimeout/4, minCleanupInterval),
		logger:      logger,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started",
		zap.Duration("idleTimeout", s.idleTimeout),
		zap.Duration("interval", s.interval))
}

// Stop stops the cleanup loop and waits for a running sweep to finish
func (s *SessionCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info("Session cleanup service stopped")
	})
}

func (s *SessionCleanupService) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// runCleanup ends every call whose bridge is idle and returns how many
func (s *SessionCleanupService) runCleanup() int {
	idle := s.bridges.Idle(s.idleTimeout)
	if len(idle) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, sessionID := range idle {
		s.logger.Info("Reaping idle bridge",
			zap.String("sessionID", sessionID),
			zap.Duration("idleTimeout", s.idleTimeout))
		s.calls.TelephonyClosed(ctx, sessionID)
	}
	return len(idle)
}
