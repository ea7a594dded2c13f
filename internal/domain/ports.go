package domain

import "context"

// Sender publishes frames on a signaling channel. Sends are fire-and-forget.
type Sender interface {
	Send(f Frame)
}

// Executor schedules work onto the goroutine that owns session state.
type Executor interface {
	Post(fn func()) bool
}

// LinkState is the connection state reported by a peer link.
type LinkState int

const (
	LinkStateNew LinkState = iota
	LinkStateConnecting
	LinkStateConnected
	LinkStateDisconnected
	LinkStateFailed
	LinkStateClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkStateNew:
		return "new"
	case LinkStateConnecting:
		return "connecting"
	case LinkStateConnected:
		return "connected"
	case LinkStateDisconnected:
		return "disconnected"
	case LinkStateFailed:
		return "failed"
	case LinkStateClosed:
		return "closed"
	}
	return "unknown"
}

// LocalTrack is a locally captured media track.
type LocalTrack interface {
	ID() string
	Kind() MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// RemoteTrack is an inbound media track from a peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() MediaKind
}

// PeerLink is one negotiated media connection to a remote participant.
type PeerLink interface {
	AddTrack(track LocalTrack) error
	ReplaceVideoTrack(track LocalTrack) error
	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddICECandidate(candidate ICECandidatePayload) error
	OnICECandidate(fn func(ICECandidatePayload))
	OnStateChange(fn func(LinkState))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// LinkFactory creates a fresh link toward peerID.
type LinkFactory func(peerID string) (PeerLink, error)

// Stream is a set of captured tracks. Ended is closed when the capture stops
// outside the caller's control (for a display capture: the user stopped sharing).
type Stream struct {
	Tracks []LocalTrack
	Ended  <-chan struct{}
}

// Track returns the first track of the given kind, or nil.
func (s *Stream) Track(kind MediaKind) LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// Devices acquires local capture streams.
type Devices interface {
	UserMedia(ctx context.Context, video, audio bool) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// SnapshotFetcher loads the authoritative session state.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)
}
