// Package discovery receives UDP announce/shutdown datagrams from
// agent servers and forwards them to the registry.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Packet type discriminators on the wire.
const (
	TypeAnnounce = "oc.announce"
	TypeShutdown = "oc.shutdown"
)

// Announce is a normalized oc.announce packet.
type Announce struct {
	ServerURL  string // normalized, registry identity
	Project    string
	Directory  string
	Branch     string
	InstanceID string
	Timestamp  time.Time
}

// Shutdown is an oc.shutdown packet.
type Shutdown struct {
	InstanceID string
	Timestamp  time.Time
}

// Parse errors, used as drop reasons for diagnostics.
var (
	ErrMalformed       = errors.New("malformed packet")
	ErrUnknownType     = errors.New("unknown packet type")
	ErrMissingInstance = errors.New("missing instanceId")
)

type wirePacket struct {
	Type       string `json:"type"`
	ServerURL  string `json:"serverUrl"`
	Project    string `json:"project"`
	Directory  string `json:"directory"`
	Branch     string `json:"branch"`
	InstanceID string `json:"instanceId"`
	TS         int64  `json:"ts"`
}

// ParsePacket decodes a single datagram. It returns *Announce or
// *Shutdown. A missing ts is treated as now.
func ParsePacket(data []byte, now time.Time) (any, error) {
	var p wirePacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.InstanceID == "" {
		return nil, ErrMissingInstance
	}

	ts := now
	if p.TS > 0 {
		ts = time.UnixMilli(p.TS)
	}

	switch p.Type {
	case TypeAnnounce:
		normalized, err := NormalizeURL(p.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Announce{
			ServerURL:  normalized,
			Project:    p.Project,
			Directory:  p.Directory,
			Branch:     p.Branch,
			InstanceID: p.InstanceID,
			Timestamp:  ts,
		}, nil

	case TypeShutdown:
		return &Shutdown{InstanceID: p.InstanceID, Timestamp: ts}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
}

// NormalizeURL canonicalizes a server URL: scheme and host lowercased,
// localhost rewritten to 127.0.0.1, port preserved, trailing slashes
// stripped. Other loopback aliases (::1 etc.) are intentionally left
// alone to match announce behavior.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q missing scheme or host", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		// IPv6 literal; Hostname() strips the brackets.
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		host = host + ":" + port
	}

	normalized := scheme + "://" + host
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		normalized += p
	}
	return normalized, nil
}
