// Package tunnel implements the protocol-sniffing relay behind proxymux.
//
// Features:
//   - Accepts TCP connections with an optional concurrency ceiling and rate limit
//   - Disguises each connection as an HTTP/WebSocket upgrade (camouflage handshake)
//   - Peeks at the first bytes without consuming them to pick the SSH or VPN backend
//   - Dials the backend with a per-attempt timeout and bounded backoff retries
//   - Relays both directions concurrently with half-close and exactly-once cleanup
//   - Tracks active sessions for graceful shutdown
//
// Usage:
//  1. Create a Server with NewServer from a validated config.Config
//  2. Run ListenAndServe (or Serve with an existing listener) until the context ends
//  3. Call Shutdown to close the sessions still running
//
// Each connection is handled by a Session, which moves through
// accepted → handshaking → classifying → dialing → relaying → closed, or to
// aborted on failure.
package tunnel
