// Package upstream is the client for the agent server HTTP+SSE API.
// The monitor is strictly an observer and thin command forwarder; this
// package does no interpretation beyond decoding wire shapes.
package upstream

import (
	"encoding/json"
	"time"
)

// Session is the upstream session envelope as returned by GET /session
// and GET /session/{id}.
type Session struct {
	ID        string      `json:"id"`
	ParentID  string      `json:"parentID,omitempty"`
	Title     string      `json:"title,omitempty"`
	Status    string      `json:"status,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime carries creation and last-update instants in epoch
// milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// CreatedAt converts the creation instant to a time.Time.
func (t SessionTime) CreatedAt() time.Time {
	return time.UnixMilli(t.Created)
}

// UpdatedAt converts the last-update instant to a time.Time.
func (t SessionTime) UpdatedAt() time.Time {
	return time.UnixMilli(t.Updated)
}

// TokenCounts is the token usage breakdown attached to stats and
// message envelopes.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Stats is the optional GET /session/{id}/stats payload.
type Stats struct {
	Cost   float64     `json:"cost"`
	Tokens TokenCounts `json:"tokens"`
	Model  string      `json:"model,omitempty"`
}

// Message is one entry of GET /session/{id}/messages.
type Message struct {
	Info  MessageInfo   `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// MessageInfo carries role and usage accounting for a message.
type MessageInfo struct {
	Role   string      `json:"role"`
	Cost   float64     `json:"cost,omitempty"`
	Tokens TokenCounts `json:"tokens,omitempty"`
}

// MessagePart is a single content part of a message. Only text parts
// are interpreted; other part types are carried opaquely.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Event is a raw SSE event: a type tag plus a free-form property bag.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// promptRequest is the POST /session/{id}/prompt body.
type promptRequest struct {
	Parts []MessagePart `json:"parts"`
}

// permissionRequest is the POST /session/{id}/permissions/{permID} body.
type permissionRequest struct {
	Response string `json:"response"`
	Remember bool   `json:"remember"`
}
