package tunnel

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"proxymux/internal/config"
	"proxymux/internal/metrics"
)

// Server accepts client connections and runs one Session per connection.
// It tracks active sessions so Shutdown can release them.
type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	metrics    *metrics.Metrics
	classifier Classifier
	dialer     Dialer

	sem     *semaphore.Weighted // nil when unbounded
	limiter *rate.Limiter       // nil when unlimited

	conns       sync.Map // map[*Session]struct{}
	activeCount atomic.Int32
	wg          sync.WaitGroup

	mu     sync.Mutex // guards closed and wg.Add against Shutdown
	closed bool
}

// NewServer builds a server from a validated configuration. A nil logger
// discards output and nil metrics use a private registry.
func NewServer(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		classifier: Classifier{
			SSHAddr: cfg.SSHAddress,
			VPNAddr: cfg.VPNAddress,
			Default: Route(cfg.DefaultRoute),
		},
		dialer: Dialer{
			Policy: BackoffPolicy{
				MaxAttempts: cfg.ConnectionRetries,
				BaseDelay:   cfg.RetryBaseDelay,
				Multiplier:  cfg.RetryMultiplier,
				MaxDelay:    cfg.RetryMaxDelay,
			},
			Timeout: cfg.DialTimeout,
		},
	}
	if cfg.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), max(cfg.AcceptBurst, 1))
	}
	return s
}

// Dialer returns the backend dialer built from the configuration.
func (s *Server) Dialer() Dialer { return s.dialer }

// Classifier returns the classifier built from the configuration.
func (s *Server) Classifier() Classifier { return s.classifier }

// Add registers a session with the server. It returns false once Shutdown has
// started; the caller then owns the session and must close it.
func (s *Server) Add(sess *Session) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.conns.Store(sess, struct{}{})
	s.mu.Unlock()

	newCount := s.activeCount.Add(1)
	s.metrics.ActiveSessions.Inc()
	s.log.Debugf("session added, active: %d", newCount)
	return true
}

// Remove unregisters a session.
func (s *Server) Remove(sess *Session) {
	if _, loaded := s.conns.LoadAndDelete(sess); !loaded {
		return
	}
	newCount := s.activeCount.Add(-1)
	s.metrics.ActiveSessions.Dec()
	s.log.Debugf("session removed, active: %d", newCount)
	s.wg.Done()
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int {
	return int(s.activeCount.Load())
}

// Shutdown refuses new sessions, closes every active one and waits for their
// handlers to return. Serve stops at its next accepted connection; cancel its
// context to stop it at once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.log.Info("closing all active connections...")
	s.conns.Range(func(key, value any) bool {
		if sess, ok := key.(*Session); ok {
			sess.Close()
		}
		return true
	})
	s.wg.Wait()
	s.log.Info("all sessions closed")
}
