package domain

import "time"

// Session is one realtime room (a classroom or a team chat).
type Session struct {
	ID        string
	CreatedAt time.Time
}

// LocalPeer is this client's identity inside a session. PeerID is generated
// per session and never persisted.
type LocalPeer struct {
	PeerID        string
	UserID        string
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
}

// Participant is a roster entry.
type Participant struct {
	PeerID string `json:"peer_id"`
	UserID string `json:"user_id,omitempty"`
}

// MediaKind is "video" or "audio".
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Tool is the whiteboard drawing tool.
type Tool string

const (
	ToolPen         Tool = "pen"
	ToolEraser      Tool = "eraser"
	ToolHighlighter Tool = "highlighter"
)

// Valid reports whether t is a known tool.
func (t Tool) Valid() bool {
	switch t {
	case ToolPen, ToolEraser, ToolHighlighter:
		return true
	}
	return false
}

// Point is a whiteboard coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one committed whiteboard stroke.
type Stroke struct {
	Points []Point `json:"points"`
	Color  string  `json:"color"`
	Width  float64 `json:"width"`
	Tool   Tool    `json:"tool"`
}

// StrokeRecord is a stroke together with its author and author-assigned order.
type StrokeRecord struct {
	PeerID string `json:"peer_id"`
	Order  int    `json:"order"`
	Stroke Stroke `json:"stroke"`
}

// ChatMessage is a classroom chat line.
type ChatMessage struct {
	UserID    string
	Message   string
	Timestamp string
}

// Snapshot is the full session state served over REST, used to correct
// drift between live events.
type Snapshot struct {
	SessionID    string         `json:"session_id"`
	Participants []Participant  `json:"participants"`
	Strokes      []StrokeRecord `json:"strokes"`
}
