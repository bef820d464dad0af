package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrStreamClosed is returned by EventStream.Next once the stream has
// ended, for any reason including cancellation.
var ErrStreamClosed = errors.New("event stream closed")

// EventStream is a pull-based reader over the GET /event/subscribe SSE
// stream. Next blocks until an event arrives or the stream ends;
// cancellation collapses to ErrStreamClosed.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// Subscribe opens the server's SSE event stream. The stream is bound
// to ctx; cancelling it closes the stream.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/event/subscribe", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.sse.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("subscribe: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &EventStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// Next returns the next event on the stream. Malformed data lines are
// skipped (the caller keeps the connection). When the underlying
// stream ends for any reason, Next returns ErrStreamClosed.
func (s *EventStream) Next() (Event, error) {
	var data strings.Builder

	for s.scanner.Scan() {
		line := s.scanner.Text()

		switch {
		case line == "":
			// Dispatch boundary.
			if data.Len() == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				// Protocol error: drop the event, keep the stream.
				data.Reset()
				continue
			}
			return ev, nil

		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))

		default:
			// event:/id:/retry: fields and comments are not used.
		}
	}
	return Event{}, ErrStreamClosed
}

// Close terminates the stream. Safe to call multiple times; a blocked
// Next returns ErrStreamClosed.
func (s *EventStream) Close() {
	s.cancel()
	s.body.Close()
}
