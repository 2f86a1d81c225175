package tunnel

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is a step in a session's lifecycle. States only move forward.
type State int32

// Session states, in lifecycle order.
const (
	StateAccepted State = iota
	StateHandshaking
	StateClassifying
	StateDialing
	StateRelaying
	StateClosed
	StateAborted
)

var stateNames = [...]string{"accepted", "handshaking", "classifying", "dialing", "relaying", "closed", "aborted"}

func (st State) String() string {
	if st < 0 || int(st) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[st]
}

// Terminal reports whether no further transition is possible.
func (st State) Terminal() bool {
	return st == StateClosed || st == StateAborted
}

// canAdvance reports whether a session in from may move to to.
func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateAborted {
		return true
	}
	return to > from
}

// Session manages a single client connection for the relay.
//
// It runs the camouflage handshake, classifies the stream, dials the chosen
// backend and relays until both directions end. Only the goroutine running
// Handle touches the connections until relaying starts; Close may be called
// from anywhere.
type Session struct {
	id     string
	server *Server
	log    *logrus.Entry
	state  atomic.Int32

	mu      sync.Mutex
	client  net.Conn
	backend net.Conn
}

func newSession(s *Server, conn net.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		server: s,
		client: newOnceConn(PreparePeek(conn)),
		log: s.log.WithFields(logrus.Fields{
			"session": id[:8],
			"remote":  conn.RemoteAddr().String(),
		}),
	}
}

// ID returns the session identifier used in logs.
func (sess *Session) ID() string { return sess.id }

// State returns the current lifecycle state.
func (sess *Session) State() State { return State(sess.state.Load()) }

// advance moves the session to next, refusing backward moves.
func (sess *Session) advance(next State) bool {
	for {
		cur := sess.State()
		if !canAdvance(cur, next) {
			if !cur.Terminal() {
				sess.log.Debugf("refused state change %s -> %s", cur, next)
			}
			return false
		}
		if sess.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Close releases both connections, aborting the session if it is still
// running. It is safe to call more than once and concurrently with Handle.
func (sess *Session) Close() {
	sess.advance(StateAborted)
	sess.mu.Lock()
	client, backend := sess.client, sess.backend
	sess.mu.Unlock()
	if client != nil {
		client.Close()
	}
	if backend != nil {
		backend.Close()
	}
}

// Handle runs the session to completion.
func (sess *Session) Handle(ctx context.Context) {
	defer sess.finish()
	cfg := sess.server.cfg
	sess.log.Info("connection opened")

	if cfg.Camouflage {
		if !sess.advance(StateHandshaking) {
			return
		}
		request, err := Camouflage(sess.client, cfg.Status, cfg.HandshakeTimeout)
		if err != nil {
			sess.abort("handshake failed", err)
			return
		}
		if len(request) > 0 {
			sess.logRequest(request)
		}
	}

	if !sess.advance(StateClassifying) {
		return
	}
	peeked, peekErr := Peek(sess.client, cfg.PeekSize, cfg.ClassifyTimeout)
	result := sess.server.classifier.Classify(peeked, peekErr)
	entry := sess.log.WithField("route", result.Route)
	if peekErr != nil {
		entry = entry.WithField("peek_error", peekErr.Error())
	}
	entry.Info("classified")
	sess.server.metrics.Classified.WithLabelValues(string(result.Route)).Inc()

	if !sess.advance(StateDialing) {
		return
	}
	dialer := sess.server.dialer
	dialer.OnAttempt = func(attempt int, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			sess.log.WithError(err).Warnf("connect to %s failed (attempt %d/%d)", result.Addr, attempt, dialer.Policy.MaxAttempts)
		}
		sess.server.metrics.DialAttempts.WithLabelValues(string(result.Route), outcome).Inc()
	}
	backend, err := dialer.Dial(ctx, result.Addr)
	if err != nil {
		sess.abort("backend unavailable", err)
		return
	}

	target := newOnceConn(backend)
	sess.mu.Lock()
	sess.backend = target
	client := sess.client
	sess.mu.Unlock()

	if !sess.advance(StateRelaying) {
		// Aborted by a concurrent Close while dialing.
		target.Close()
		return
	}
	sess.log.Infof("tunnel established to %s", result.Addr)
	stats := Relay(client, target)

	sess.server.metrics.RelayedBytes.WithLabelValues("upstream").Add(float64(stats.Upstream))
	sess.server.metrics.RelayedBytes.WithLabelValues("downstream").Add(float64(stats.Downstream))
	for _, err := range []error{stats.UpstreamErr, stats.DownstreamErr} {
		if err != nil && !isIgnorableError(err) {
			sess.log.WithError(err).Warn("relay error")
		}
	}
	sess.log.WithFields(logrus.Fields{
		"up":   stats.Upstream,
		"down": stats.Downstream,
	}).Debug("relay finished")
	sess.advance(StateClosed)
}

// abort moves the session to StateAborted and logs why.
func (sess *Session) abort(reason string, err error) {
	sess.advance(StateAborted)
	entry := sess.log
	if err != nil {
		entry = entry.WithError(err)
	}
	if err == nil || errors.Is(err, ErrClientGone) || isIgnorableError(err) {
		entry.Info(reason)
		return
	}
	entry.Warn(reason)
}

// finish releases the connections and unregisters the session.
func (sess *Session) finish() {
	sess.Close()
	sess.server.Remove(sess)
	sess.server.metrics.Sessions.WithLabelValues(sess.State().String()).Inc()
	sess.log.Infof("connection %s", sess.State())
}

// logRequest records the request line and Host header of a consumed
// camouflage request.
func (sess *Session) logRequest(request []byte) {
	lines := strings.Split(peekedText(request), "\r\n")
	entry := sess.log.WithField("request", lines[0])
	if host := HeaderValue(lines[1:], "Host"); host != "" {
		entry = entry.WithField("host", host)
	}
	entry.Info("camouflage request consumed")
}
