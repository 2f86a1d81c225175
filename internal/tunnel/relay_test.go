package tunnel

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type relayHarness struct {
	clientPeer  *net.TCPConn // the remote client
	backendPeer *net.TCPConn // the backend daemon
	client      *countingConn
	backend     *countingConn
	done        chan RelayStats
}

func startRelay(t *testing.T) *relayHarness {
	t.Helper()
	cPeer, cConn := tcpPair(t)
	bConn, bPeer := tcpPair(t)
	h := &relayHarness{
		clientPeer:  cPeer,
		backendPeer: bPeer,
		client:      &countingConn{TCPConn: cConn},
		backend:     &countingConn{TCPConn: bConn},
		done:        make(chan RelayStats, 1),
	}
	go func() { h.done <- Relay(h.client, h.backend) }()
	return h
}

func (h *relayHarness) wait(t *testing.T) RelayStats {
	t.Helper()
	select {
	case st := <-h.done:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return RelayStats{}
	}
}

func TestRelayCompletenessAndHalfClose(t *testing.T) {
	h := startRelay(t)

	upstream := make([]byte, 1<<20)
	_, err := rand.Read(upstream)
	require.NoError(t, err)

	go func() {
		h.clientPeer.Write(upstream)
		h.clientPeer.CloseWrite()
	}()

	// the backend sees every byte in order, then end of stream
	got, err := io.ReadAll(h.backendPeer)
	require.NoError(t, err)
	require.True(t, bytes.Equal(upstream, got))

	// the other direction still works after the client half-closed
	downstream := []byte("SSH-2.0-OpenSSH_9.6\r\nreply")
	_, err = h.backendPeer.Write(downstream)
	require.NoError(t, err)
	require.NoError(t, h.backendPeer.CloseWrite())

	back, err := io.ReadAll(h.clientPeer)
	require.NoError(t, err)
	require.Equal(t, downstream, back)

	st := h.wait(t)
	require.Equal(t, int64(len(upstream)), st.Upstream)
	require.Equal(t, int64(len(downstream)), st.Downstream)
	require.NoError(t, st.UpstreamErr)
	require.NoError(t, st.DownstreamErr)

	require.Equal(t, int32(1), h.client.closes.Load())
	require.Equal(t, int32(1), h.backend.closes.Load())
}

func TestRelayBackendCloseReachesClient(t *testing.T) {
	h := startRelay(t)

	_, err := h.backendPeer.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, h.backendPeer.Close())

	got, err := io.ReadAll(h.clientPeer)
	require.NoError(t, err)
	require.Equal(t, "bye", string(got))

	require.NoError(t, h.clientPeer.Close())
	h.wait(t)
	require.Equal(t, int32(1), h.client.closes.Load())
	require.Equal(t, int32(1), h.backend.closes.Load())
}

func TestRelaySharedOnceConn(t *testing.T) {
	cPeer, cConn := tcpPair(t)
	bConn, bPeer := tcpPair(t)
	client := &countingConn{TCPConn: cConn}
	backend := &countingConn{TCPConn: bConn}
	cOnce, bOnce := newOnceConn(client), newOnceConn(backend)
	defer cPeer.Close()
	defer bPeer.Close()

	done := make(chan RelayStats, 1)
	go func() { done <- Relay(cOnce, bOnce) }()

	time.Sleep(20 * time.Millisecond)
	cOnce.Close()
	bOnce.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish after shutdown")
	}
	cOnce.Close()
	require.Equal(t, int32(1), client.closes.Load())
	require.Equal(t, int32(1), backend.closes.Load())
}

var errBoom = errors.New("boom")

type failingWriter struct {
	*net.TCPConn
	closeReads atomic.Int32
}

func (f *failingWriter) Write([]byte) (int, error) { return 0, errBoom }

func (f *failingWriter) CloseRead() error {
	f.closeReads.Add(1)
	return nil
}

func TestPipeWriteErrorStopsAndShutsReadSide(t *testing.T) {
	peer, src := tcpPair(t)
	_, dstConn := tcpPair(t)
	dst := &failingWriter{TCPConn: dstConn}

	_, err := peer.Write([]byte("data"))
	require.NoError(t, err)

	n, err := pipe(dst, src)
	require.ErrorIs(t, err, errBoom)
	require.Zero(t, n)
	require.Equal(t, int32(1), dst.closeReads.Load())
}

func TestPipeReadEOFHalfClosesDestination(t *testing.T) {
	peer, src := tcpPair(t)
	dst, dstPeer := tcpPair(t)

	_, err := peer.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, peer.CloseWrite())

	n, err := pipe(dst, src)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	got, err := io.ReadAll(dstPeer)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	// dst can still read what its peer sends
	_, err = dstPeer.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(dst, buf)
	require.NoError(t, err)
}
