package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocwatch/ocwatch/internal/util/testutil"
)

type recordingHandler struct {
	mu        sync.Mutex
	announces []*Announce
	shutdowns []string
}

func (h *recordingHandler) HandleAnnounce(a *Announce) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.announces = append(h.announces, a)
}

func (h *recordingHandler) HandleShutdown(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdowns = append(h.shutdowns, instanceID)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.announces), len(h.shutdowns)
}

func fakeAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}

func TestHandleDatagram_Routes(t *testing.T) {
	h := &recordingHandler{}
	l := NewListener(0, h, time.Now)

	l.handleDatagram([]byte(`{"type":"oc.announce","serverUrl":"http://localhost:4096","instanceId":"i1"}`), fakeAddr())
	l.handleDatagram([]byte(`{"type":"oc.shutdown","instanceId":"i1"}`), fakeAddr())

	a, s := h.counts()
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, s)
	assert.Equal(t, "http://127.0.0.1:4096", h.announces[0].ServerURL)
	assert.Equal(t, []string{"i1"}, h.shutdowns)
}

func TestHandleDatagram_DropsBadPackets(t *testing.T) {
	h := &recordingHandler{}
	l := NewListener(0, h, time.Now)

	l.handleDatagram([]byte(`garbage`), fakeAddr())
	l.handleDatagram([]byte(`{"type":"oc.unknown","instanceId":"i1"}`), fakeAddr())
	l.handleDatagram([]byte(`{"type":"oc.announce","serverUrl":"http://x"}`), fakeAddr())

	a, s := h.counts()
	assert.Zero(t, a)
	assert.Zero(t, s)
}

func TestRun_ReceivesDatagramsAndStops(t *testing.T) {
	// Grab a free UDP port, release it, and race to rebind it. The
	// listener sets SO_REUSEADDR so a lingering socket cannot fail the
	// bind.
	probe, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	h := &recordingHandler{}
	l := NewListener(port, h, time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte(`{"type":"oc.announce","serverUrl":"http://localhost:4096","instanceId":"i1"}`)
	testutil.RequireEventually(t, func() bool {
		_, _ = conn.Write(payload)
		a, _ := h.counts()
		return a > 0
	})

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancellation")
	}
}
