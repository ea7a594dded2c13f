package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
)

type fakeTrack struct {
	id   string
	kind domain.MediaKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newFakeTrack(id string, kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

type fakeDevices struct {
	camera *fakeTrack
	screen *fakeTrack
}

func (d *fakeDevices) UserMedia(_ context.Context, video, _ bool) (*domain.Stream, error) {
	s := &domain.Stream{}
	if video {
		s.Tracks = append(s.Tracks, d.camera)
	}
	return s, nil
}

func (d *fakeDevices) DisplayMedia(context.Context) (*domain.Stream, error) {
	return &domain.Stream{Tracks: []domain.LocalTrack{d.screen}}, nil
}

// fakeLink behaves like a peer connection that connects once both
// descriptions are set and a remote candidate arrived. Its callbacks fire on
// their own goroutines, as pion's do.
type fakeLink struct {
	peerID        string
	failReplace   bool
	mu            sync.Mutex
	local, remote bool
	candidates    int
	connected     bool
	closed        bool
	video         domain.LocalTrack
	onCandidate   func(domain.ICECandidatePayload)
	onState       func(domain.LinkState)
}

func (l *fakeLink) AddTrack(t domain.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.Kind() == domain.MediaVideo {
		l.video = t
	}
	return nil
}

func (l *fakeLink) ReplaceVideoTrack(t domain.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failReplace {
		return errors.New("sender gone")
	}
	l.video = t
	return nil
}

func (l *fakeLink) videoTrack() domain.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.video
}

func (l *fakeLink) CreateOffer() (domain.SDPPayload, error) {
	l.setLocal()
	return domain.SDPPayload{Type: "offer", SDP: "offer for " + l.peerID}, nil
}

func (l *fakeLink) CreateAnswer() (domain.SDPPayload, error) {
	l.setLocal()
	return domain.SDPPayload{Type: "answer", SDP: "answer for " + l.peerID}, nil
}

func (l *fakeLink) setLocal() {
	l.mu.Lock()
	l.local = true
	fn := l.onCandidate
	l.mu.Unlock()
	if fn != nil {
		go fn(domain.ICECandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: "0"})
	}
	l.check()
}

func (l *fakeLink) SetRemoteDescription(domain.SDPPayload) error {
	l.mu.Lock()
	l.remote = true
	l.mu.Unlock()
	l.check()
	return nil
}

func (l *fakeLink) AddICECandidate(domain.ICECandidatePayload) error {
	l.mu.Lock()
	l.candidates++
	l.mu.Unlock()
	l.check()
	return nil
}

func (l *fakeLink) check() {
	l.mu.Lock()
	ready := l.local && l.remote && l.candidates > 0 && !l.connected && !l.closed
	if ready {
		l.connected = true
	}
	fn := l.onState
	l.mu.Unlock()
	if ready && fn != nil {
		go fn(domain.LinkStateConnected)
	}
}

func (l *fakeLink) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *fakeLink) OnStateChange(fn func(domain.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *fakeLink) OnTrack(func(domain.RemoteTrack)) {}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// linkSet is a LinkFactory that keeps every link it made.
type linkSet struct {
	mu        sync.Mutex
	links     []*fakeLink
	failFirst bool
}

func (s *linkSet) New(peerID string) (domain.PeerLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &fakeLink{peerID: peerID, failReplace: s.failFirst && len(s.links) == 0}
	s.links = append(s.links, l)
	return l, nil
}

func (s *linkSet) forPeer(peerID string) *fakeLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.links) - 1; i >= 0; i-- {
		if s.links[i].peerID == peerID {
			return s.links[i]
		}
	}
	return nil
}

type stubSnapshots struct {
	mu   sync.Mutex
	snap *domain.Snapshot
	err  error
	// inFlight runs while the fetch is outstanding.
	inFlight func()
}

func (s *stubSnapshots) FetchSnapshot(context.Context, string) (*domain.Snapshot, error) {
	s.mu.Lock()
	hook := s.inFlight
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.err
}
