package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ListenAndServe binds the configured address and serves until ctx is done.
// A bind failure is returned immediately and is the only fatal error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.log.Infof("listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and spawns a session for each one. Accept
// errors are logged and the loop continues; it returns nil once ctx is done or
// the server is shut down.
// Serve takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.log.WithError(err).Warnf("accept failed, retrying in %v", tempDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0

		sess := newSession(s, conn)
		if !s.Add(sess) {
			sess.Close()
			s.release()
			return nil
		}
		go func() {
			defer s.release()
			sess.Handle(ctx)
		}()
	}
}

// release returns a concurrency slot taken before Accept.
func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}
