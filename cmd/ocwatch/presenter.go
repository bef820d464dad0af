package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ocwatch/ocwatch/internal/monitor/projection"
	"github.com/ocwatch/ocwatch/internal/monitor/registry"
	"github.com/ocwatch/ocwatch/internal/monitor/store"
	"github.com/ocwatch/ocwatch/internal/monitor/upstream"
	"github.com/ocwatch/ocwatch/internal/util/timefmt"
	"github.com/ocwatch/ocwatch/monitor"
)

// transcriptTail bounds how many messages the focus view prints.
const transcriptTail = 8

// presenter is the plain-text terminal frontend: a fleet view fed by
// snapshots and a focus view fed by the view driver, with a line-based
// command loop on stdin.
type presenter struct {
	eng *monitor.Engine
	out io.Writer
	in  io.Reader

	mu      sync.Mutex
	focused bool
	// index -> (server URL, session id), rebuilt on every fleet render
	index []indexEntry

	// outMu serializes terminal writes across the snapshot loop, the
	// driver's update hook and the command loop.
	outMu sync.Mutex
}

func (p *presenter) print(s string) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	fmt.Fprint(p.out, s)
}

type indexEntry struct {
	serverURL string
	sessionID string
}

// newPresenter wires the presenter to the engine. Must run before the
// engine starts so the update hook is set without racing the driver.
func newPresenter(eng *monitor.Engine, out io.Writer, in io.Reader) *presenter {
	p := &presenter{eng: eng, out: out, in: in}
	eng.View.OnUpdate = func() {
		p.mu.Lock()
		focused := p.focused
		p.mu.Unlock()
		if focused {
			p.renderFocus()
		}
	}
	return p
}

// run drives both loops until ctx is cancelled. quit requests
// cancellation through cancel.
func (p *presenter) run(ctx context.Context, cancel context.CancelFunc) {
	sub := p.eng.Projection.Subscribe()
	defer sub.Close()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-sub.C():
				p.mu.Lock()
				focused := p.focused
				p.mu.Unlock()
				if !focused {
					p.renderFleet(snap)
				}
			}
		}
	}()

	fmt.Fprintln(p.out, "ocwatch ready. Type 'help' for commands; waiting for announcements...")

	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if quit := p.dispatch(line); quit {
			cancel()
			return
		}
	}
}

// dispatch handles one command line. Returns true on quit.
func (p *presenter) dispatch(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "q", "quit", "exit":
		return true

	case "help", "h", "?":
		p.printHelp()

	case "l", "list":
		p.renderFleet(p.eng.Projection.Snapshot())

	case "e", "enter":
		p.cmdEnter(rest)

	case "n", "next":
		p.eng.View.Switch(true)

	case "p", "prev":
		p.eng.View.Switch(false)

	case "a", "abort":
		if err := p.eng.View.Abort(); err != nil {
			fmt.Fprintf(p.out, "error: %v\n", err)
		}

	case "m", "msg", "prompt":
		if rest == "" {
			fmt.Fprintln(p.out, "usage: msg <text>")
			break
		}
		if err := p.eng.View.SendPrompt(rest); err != nil {
			fmt.Fprintf(p.out, "error: %v\n", err)
		}

	case "allow", "deny":
		p.cmdPermission(cmd == "allow", rest == "remember")

	case "b", "back":
		p.eng.View.Exit()
		p.mu.Lock()
		p.focused = false
		p.mu.Unlock()
		p.renderFleet(p.eng.Projection.Snapshot())

	default:
		fmt.Fprintf(p.out, "unknown command %q (try 'help')\n", cmd)
	}
	return false
}

func (p *presenter) cmdEnter(arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Fprintln(p.out, "usage: enter <session number from the list>")
		return
	}

	p.mu.Lock()
	var entry indexEntry
	ok := n >= 1 && n <= len(p.index)
	if ok {
		entry = p.index[n-1]
	}
	p.mu.Unlock()
	if !ok {
		fmt.Fprintf(p.out, "no session #%d in the current list\n", n)
		return
	}

	if err := p.eng.View.Enter(entry.serverURL, entry.sessionID); err != nil {
		fmt.Fprintf(p.out, "error: %v\n", err)
		return
	}
	p.mu.Lock()
	p.focused = true
	p.mu.Unlock()
	p.renderFocus()
}

func (p *presenter) cmdPermission(allow, remember bool) {
	_, sessionID, ok := p.eng.View.Focused()
	if !ok {
		fmt.Fprintln(p.out, "no focused session")
		return
	}
	sess, ok := p.eng.Store.Get(sessionID)
	if !ok || sess.Pending == nil {
		fmt.Fprintln(p.out, "no pending permission")
		return
	}
	if err := p.eng.View.RespondPermission(sess.Pending.ID, allow, remember); err != nil {
		fmt.Fprintf(p.out, "error: %v\n", err)
	}
}

// renderFleet prints all servers and their sessions, numbering the
// sessions for the enter command.
func (p *presenter) renderFleet(snap projection.Snapshot) {
	byServer := make(map[string][]projection.SessionView)
	for _, sv := range snap.Sessions {
		byServer[sv.ServerURL] = append(byServer[sv.ServerURL], sv)
	}

	var b strings.Builder
	index := make([]indexEntry, 0, len(snap.Sessions))

	fmt.Fprintf(&b, "\n=== %d server(s), %d session(s) ===\n", len(snap.Servers), len(snap.Sessions))
	for _, srv := range snap.Servers {
		fmt.Fprintf(&b, "%s  %s  [%s]", srv.Label(), srv.URL, srv.ConnState)
		if srv.ConnState == registry.StateDisconnected && srv.ReconnectAttempt > 0 {
			fmt.Fprintf(&b, " attempt %d", srv.ReconnectAttempt)
		}
		b.WriteByte('\n')

		sessions := byServer[srv.URL]
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
		for _, sv := range sessions {
			index = append(index, indexEntry{serverURL: srv.URL, sessionID: sv.ID})
			fmt.Fprintf(&b, "  %2d. %s %s", len(index), statusMark(sv), title(sv))
			if sv.Effective == store.EffectiveBusy && !sv.BusySince.IsZero() {
				fmt.Fprintf(&b, " (busy %s", timefmt.Ago(sv.BusySince, snap.TakenAt))
				if sv.LongRunning {
					b.WriteString(", long-running")
				}
				b.WriteByte(')')
			}
			if sv.Pending != nil {
				fmt.Fprintf(&b, " [permission: %s]", sv.Pending.Tool)
			}
			if sv.TokensTotal > 0 {
				fmt.Fprintf(&b, "  %.2f$ %dtok", sv.Cost, sv.TokensTotal)
			}
			b.WriteByte('\n')
		}
	}

	p.mu.Lock()
	p.index = index
	p.mu.Unlock()

	p.print(b.String())
}

// renderFocus prints the focused session's tree and transcript tail.
func (p *presenter) renderFocus() {
	_, focusID, ok := p.eng.View.Focused()
	if !ok {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n=== session %s ===\n", focusID)

	for _, node := range p.eng.View.Tree() {
		marker := "  "
		if node.Session.ID == focusID {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%s%s (%s)\n", marker, strings.Repeat("  ", node.Depth), titleOf(node.Session), node.Session.RawStatus)
	}

	msgs := p.eng.View.Messages()
	if len(msgs) > transcriptTail {
		msgs = msgs[len(msgs)-transcriptTail:]
	}
	for _, msg := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", msg.Info.Role, firstText(msg))
	}

	if sess, ok := p.eng.Store.Get(focusID); ok && sess.Pending != nil {
		fmt.Fprintf(&b, "PERMISSION REQUESTED: %s — allow / deny [remember]\n", sess.Pending.Tool)
	}
	if errMsg := p.eng.View.Err(); errMsg != "" {
		fmt.Fprintf(&b, "! %s\n", errMsg)
	}

	p.print(b.String())
}

func (p *presenter) printHelp() {
	fmt.Fprint(p.out, `commands:
  list            redraw the fleet view
  enter <n>       focus session n from the list
  next / prev     move focus within the session tree
  msg <text>      send a prompt to the focused session
  abort           abort the focused session
  allow [remember]  approve the pending permission
  deny [remember]   reject the pending permission
  back            leave the focus view
  quit            exit
`)
}

func statusMark(sv projection.SessionView) string {
	switch sv.Effective {
	case store.EffectiveBusy:
		return "*"
	case store.EffectiveStale:
		return "~"
	default:
		return " "
	}
}

func title(sv projection.SessionView) string {
	return titleOf(sv.Session)
}

func titleOf(s *store.Session) string {
	if s.Title != "" {
		return s.Title
	}
	return s.ID
}

// firstText returns the first text part of a message, truncated to one
// line.
func firstText(msg upstream.Message) string {
	for _, part := range msg.Parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		text := strings.ReplaceAll(part.Text, "\n", " ")
		if len(text) > 120 {
			text = text[:117] + "..."
		}
		return text
	}
	return "(" + strconv.Itoa(len(msg.Parts)) + " non-text parts)"
}
