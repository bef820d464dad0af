package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/ocwatch/ocwatch/internal/metrics"
)

// Handler receives parsed packets. Implemented by the registry; the
// listener itself does no I/O beyond the UDP receive.
type Handler interface {
	HandleAnnounce(a *Announce)
	HandleShutdown(instanceID string)
}

// Listener binds the discovery UDP port and forwards packets to the
// handler until its context is cancelled.
type Listener struct {
	port    int
	handler Handler
	now     func() time.Time

	// DumpPackets enables logging every received datagram (the --debug
	// CLI mode).
	DumpPackets bool
}

// NewListener creates a listener on the given UDP port.
func NewListener(port int, handler Handler, now func() time.Time) *Listener {
	return &Listener{port: port, handler: handler, now: now}
}

// Run binds the socket and processes datagrams until ctx is cancelled.
// A bind failure is returned immediately (fatal at startup).
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("bind udp :%d: %w", l.port, err)
	}

	slog.Info("discovery listening", "port", l.port)

	// Unblock the read loop on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		l.handleDatagram(buf[:n], addr)
	}
}

func (l *Listener) handleDatagram(data []byte, addr net.Addr) {
	if l.DumpPackets {
		slog.Info("udp packet", "from", addr.String(), "data", string(data))
	}

	pkt, err := ParsePacket(data, l.now())
	if err != nil {
		metrics.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
		slog.Debug("dropped datagram", "from", addr.String(), "error", err)
		return
	}

	switch p := pkt.(type) {
	case *Announce:
		metrics.PacketsReceived.WithLabelValues(TypeAnnounce).Inc()
		l.handler.HandleAnnounce(p)
	case *Shutdown:
		metrics.PacketsReceived.WithLabelValues(TypeShutdown).Inc()
		l.handler.HandleShutdown(p.InstanceID)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrMissingInstance):
		return "missing_instance"
	default:
		return "malformed"
	}
}
