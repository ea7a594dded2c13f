package webrtc

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
)

// queueExec collects posted tasks until drain is called.
type queueExec struct {
	tasks []func()
}

func (q *queueExec) Post(fn func()) bool {
	q.tasks = append(q.tasks, fn)
	return true
}

func (q *queueExec) runOne() bool {
	if len(q.tasks) == 0 {
		return false
	}
	fn := q.tasks[0]
	q.tasks = q.tasks[1:]
	fn()
	return true
}

func (q *queueExec) drain() {
	for q.runOne() {
	}
}

type recordingSender struct {
	frames []domain.Frame
}

func (s *recordingSender) Send(f domain.Frame) {
	s.frames = append(s.frames, f)
}

func (s *recordingSender) ofType(typ string) []domain.Frame {
	var out []domain.Frame
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type fakeTrack struct {
	id      string
	kind    domain.MediaKind
	enabled bool
	stopped bool
}

func newFakeTrack(id string, kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind  { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeTrack) Stop()                   { t.stopped = true }

// fakeLink models just enough of a peer connection: a local description
// produces one trickled candidate, and the link connects once it has a
// remote description and at least one remote candidate.
type fakeLink struct {
	peerID string

	tracks       []domain.LocalTrack
	video        domain.LocalTrack
	replaceErr   error
	closeErr     error
	closed       int
	localSet     bool
	remoteSet    bool
	remoteCands  int
	state        domain.LinkState
	onCandidate  func(domain.ICECandidatePayload)
	onState      func(domain.LinkState)
	onTrack      func(domain.RemoteTrack)
	silent       bool
	remoteOffers []domain.SDPPayload
}

func (l *fakeLink) AddTrack(t domain.LocalTrack) error {
	l.tracks = append(l.tracks, t)
	if t.Kind() == domain.MediaVideo {
		l.video = t
	}
	return nil
}

func (l *fakeLink) ReplaceVideoTrack(t domain.LocalTrack) error {
	if l.replaceErr != nil {
		return l.replaceErr
	}
	l.video = t
	return nil
}

func (l *fakeLink) CreateOffer() (domain.SDPPayload, error) {
	l.setLocal()
	return domain.SDPPayload{Type: "offer", SDP: "offer-for-" + l.peerID}, nil
}

func (l *fakeLink) CreateAnswer() (domain.SDPPayload, error) {
	if !l.remoteSet {
		return domain.SDPPayload{}, errors.New("no remote offer")
	}
	l.setLocal()
	return domain.SDPPayload{Type: "answer", SDP: "answer-for-" + l.peerID}, nil
}

func (l *fakeLink) setLocal() {
	l.localSet = true
	if !l.silent && l.onCandidate != nil {
		l.onCandidate(domain.ICECandidatePayload{
			Candidate: fmt.Sprintf("candidate:1 1 udp 1 10.0.0.1 %d typ host", 5000+len(l.peerID)),
			SDPMid:    "0",
		})
	}
}

func (l *fakeLink) SetRemoteDescription(sdp domain.SDPPayload) error {
	if sdp.SDP == "" {
		return errors.New("empty sdp")
	}
	l.remoteSet = true
	l.remoteOffers = append(l.remoteOffers, sdp)
	l.setState(domain.LinkStateConnecting)
	l.maybeConnect()
	return nil
}

func (l *fakeLink) AddICECandidate(domain.ICECandidatePayload) error {
	if !l.remoteSet {
		return errors.New("remote description not set")
	}
	l.remoteCands++
	l.maybeConnect()
	return nil
}

func (l *fakeLink) maybeConnect() {
	if l.localSet && l.remoteSet && l.remoteCands > 0 {
		l.setState(domain.LinkStateConnected)
	}
}

func (l *fakeLink) setState(s domain.LinkState) {
	if l.state == s {
		return
	}
	l.state = s
	if l.onState != nil {
		l.onState(s)
	}
}

func (l *fakeLink) OnICECandidate(fn func(domain.ICECandidatePayload)) { l.onCandidate = fn }
func (l *fakeLink) OnStateChange(fn func(domain.LinkState))            { l.onState = fn }
func (l *fakeLink) OnTrack(fn func(domain.RemoteTrack))                { l.onTrack = fn }

func (l *fakeLink) Close() error {
	l.closed++
	return l.closeErr
}

// linkSet is a LinkFactory that remembers every link it made.
type linkSet struct {
	links  map[string][]*fakeLink
	silent bool
	err    error
}

func newLinkSet() *linkSet {
	return &linkSet{links: make(map[string][]*fakeLink)}
}

func (s *linkSet) factory(peerID string) (domain.PeerLink, error) {
	if s.err != nil {
		return nil, s.err
	}
	l := &fakeLink{peerID: peerID, silent: s.silent}
	s.links[peerID] = append(s.links[peerID], l)
	return l, nil
}

func (s *linkSet) last(peerID string) *fakeLink {
	ls := s.links[peerID]
	if len(ls) == 0 {
		return nil
	}
	return ls[len(ls)-1]
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every timer that has not been stopped.
func (c *fakeClock) fireAll() {
	timers := c.timers
	c.timers = nil
	for _, t := range timers {
		if !t.stopped {
			t.stopped = true
			t.fn()
		}
	}
}
