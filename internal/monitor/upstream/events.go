package upstream

import (
	"encoding/json"
	"fmt"
)

// Decoded is the tagged variant over the enumerated upstream event
// types. Unknown types decode to Other, which consumers discard.
type Decoded interface{ isEvent() }

// ServerConnected signals the SSE stream handshake completed.
type ServerConnected struct{}

// SessionStatus reports a session's raw status string.
type SessionStatus struct {
	SessionID string
	Status    string
}

// SessionIdle reports a session going idle.
type SessionIdle struct {
	SessionID string
}

// SessionUpdated carries changed session attributes. Empty fields were
// absent from the event.
type SessionUpdated struct {
	SessionID string
	Title     string
	ParentID  string
	Directory string
}

// SessionDeleted reports a session removed upstream.
type SessionDeleted struct {
	SessionID string
}

// PermissionUpdated reports a newly requested tool-use permission.
type PermissionUpdated struct {
	SessionID    string
	PermissionID string
	Tool         string
	Message      string
	Args         map[string]any
}

// PermissionReplied reports a permission answered (by anyone).
type PermissionReplied struct {
	SessionID    string
	PermissionID string
}

// MessageUpdated reports new or changed message content.
type MessageUpdated struct {
	SessionID string
}

// MessagePartUpdated reports streaming message part content.
type MessagePartUpdated struct {
	SessionID string
}

// Other is any event type the monitor does not interpret.
type Other struct {
	Type string
}

func (ServerConnected) isEvent()    {}
func (SessionStatus) isEvent()      {}
func (SessionIdle) isEvent()        {}
func (SessionUpdated) isEvent()     {}
func (SessionDeleted) isEvent()     {}
func (PermissionUpdated) isEvent()  {}
func (PermissionReplied) isEvent()  {}
func (MessageUpdated) isEvent()     {}
func (MessagePartUpdated) isEvent() {}
func (Other) isEvent()              {}

// statusValue accepts the two wire encodings of a status: a plain
// string or an object {"type": "..."}.
type statusValue string

func (s *statusValue) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = statusValue(str)
		return nil
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("status is neither string nor object: %w", err)
	}
	*s = statusValue(obj.Type)
	return nil
}

// DecodeEvent parses a raw event into its typed variant. Unknown keys
// inside properties are ignored; unknown event types yield Other.
// Events whose properties fail to parse return an error so the caller
// can drop them without tearing down the stream.
func DecodeEvent(ev Event) (Decoded, error) {
	switch ev.Type {
	case "server.connected":
		return ServerConnected{}, nil

	case "session.status":
		var p struct {
			SessionID string      `json:"sessionID"`
			Status    statusValue `json:"status"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode session.status: %w", err)
		}
		return SessionStatus{SessionID: p.SessionID, Status: string(p.Status)}, nil

	case "session.idle":
		var p struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode session.idle: %w", err)
		}
		return SessionIdle{SessionID: p.SessionID}, nil

	case "session.updated":
		var p struct {
			SessionID string `json:"sessionID"`
			Title     string `json:"title"`
			ParentID  string `json:"parentID"`
			Directory string `json:"directory"`
			Info      *struct {
				ID        string `json:"id"`
				Title     string `json:"title"`
				ParentID  string `json:"parentID"`
				Directory string `json:"directory"`
			} `json:"info"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode session.updated: %w", err)
		}
		out := SessionUpdated{SessionID: p.SessionID, Title: p.Title, ParentID: p.ParentID, Directory: p.Directory}
		// Some agent versions nest the envelope under "info".
		if p.Info != nil {
			if out.SessionID == "" {
				out.SessionID = p.Info.ID
			}
			if out.Title == "" {
				out.Title = p.Info.Title
			}
			if out.ParentID == "" {
				out.ParentID = p.Info.ParentID
			}
			if out.Directory == "" {
				out.Directory = p.Info.Directory
			}
		}
		return out, nil

	case "session.deleted":
		var p struct {
			SessionID string `json:"sessionID"`
			Info      *struct {
				ID string `json:"id"`
			} `json:"info"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode session.deleted: %w", err)
		}
		id := p.SessionID
		if id == "" && p.Info != nil {
			id = p.Info.ID
		}
		return SessionDeleted{SessionID: id}, nil

	case "permission.updated":
		var p struct {
			SessionID    string         `json:"sessionID"`
			PermissionID string         `json:"permissionID"`
			ID           string         `json:"id"`
			Tool         string         `json:"tool"`
			Message      string         `json:"message"`
			Args         map[string]any `json:"args"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode permission.updated: %w", err)
		}
		permID := p.PermissionID
		if permID == "" {
			permID = p.ID
		}
		return PermissionUpdated{
			SessionID:    p.SessionID,
			PermissionID: permID,
			Tool:         p.Tool,
			Message:      p.Message,
			Args:         p.Args,
		}, nil

	case "permission.replied":
		var p struct {
			SessionID    string `json:"sessionID"`
			PermissionID string `json:"permissionID"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode permission.replied: %w", err)
		}
		return PermissionReplied{SessionID: p.SessionID, PermissionID: p.PermissionID}, nil

	case "message.updated":
		var p struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode message.updated: %w", err)
		}
		return MessageUpdated{SessionID: p.SessionID}, nil

	case "message.part.updated":
		var p struct {
			SessionID string `json:"sessionID"`
			Part      *struct {
				SessionID string `json:"sessionID"`
			} `json:"part"`
		}
		if err := json.Unmarshal(ev.Properties, &p); err != nil {
			return nil, fmt.Errorf("decode message.part.updated: %w", err)
		}
		id := p.SessionID
		if id == "" && p.Part != nil {
			id = p.Part.SessionID
		}
		return MessagePartUpdated{SessionID: id}, nil

	default:
		return Other{Type: ev.Type}, nil
	}
}

// EventSessionID returns the session an already-decoded event targets,
// or "" for events that are not session-scoped.
func EventSessionID(d Decoded) string {
	switch e := d.(type) {
	case SessionStatus:
		return e.SessionID
	case SessionIdle:
		return e.SessionID
	case SessionUpdated:
		return e.SessionID
	case SessionDeleted:
		return e.SessionID
	case PermissionUpdated:
		return e.SessionID
	case PermissionReplied:
		return e.SessionID
	case MessageUpdated:
		return e.SessionID
	case MessagePartUpdated:
		return e.SessionID
	default:
		return ""
	}
}
