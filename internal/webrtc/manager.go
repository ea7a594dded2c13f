package webrtc

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/logging"
)

var log = logging.For("webrtc")

var (
	// ErrUnknownPeer is returned for signaling that references a peer with
	// no link. Callers treat it as a stale message, not a failure.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNegotiationTimeout is the removal reason of a link that did not
	// connect in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrLinkFailed is the removal reason of a link that reported failure.
	ErrLinkFailed = errors.New("peer link failed")
)

// PeerState is the negotiation state of one remote peer.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerOfferSent
	PeerOfferReceived
	PeerAnswerExchanged
	PeerIceNegotiating
	PeerConnected
	PeerClosed
	PeerFailed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerOfferSent:
		return "offer-sent"
	case PeerOfferReceived:
		return "offer-received"
	case PeerAnswerExchanged:
		return "answer-exchanged"
	case PeerIceNegotiating:
		return "ice-negotiating"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	case PeerFailed:
		return "failed"
	}
	return "unknown"
}

// PeerInfo is a read-only view of one managed peer.
type PeerInfo struct {
	PeerID    string
	UserID    string
	State     PeerState
	Initiator bool
	CreatedAt time.Time
}

// Timer is the handle returned by Options.AfterFunc.
type Timer interface {
	Stop() bool
}

// Events are the manager's outbound notifications. Every field is optional.
// They run on the session loop.
type Events struct {
	PeerState     func(peerID string, state PeerState)
	PeerConnected func(peerID string)
	PeerRemoved   func(peerID string, reason error)
	RemoteTrack   func(peerID string, track domain.RemoteTrack)
}

// Options configures a Manager.
type Options struct {
	LocalPeerID string
	NewLink     domain.LinkFactory
	Sender      domain.Sender
	// Exec runs link callbacks on the goroutine that owns the manager.
	Exec domain.Executor

	// NegotiationTimeout bounds how long a link may take to connect.
	// Zero means 15s; negative disables the timeout.
	NegotiationTimeout time.Duration
	// NegotiationRetries is how many fresh offers an initiator makes after
	// a timeout.
	NegotiationRetries int

	AfterFunc func(d time.Duration, fn func()) Timer
	Now       func() time.Time

	Events Events
}

type peer struct {
	id        string
	userID    string
	link      domain.PeerLink
	state     PeerState
	initiator bool
	retries   int
	createdAt time.Time

	remoteSet bool
	pending   []domain.ICECandidatePayload
	connected bool
	timer     Timer
}

// Manager owns one link per remote participant and drives the
// offer/answer/ICE exchange for each. It is not safe for concurrent use:
// every method must be called on the session loop, and link callbacks are
// posted back to it through Options.Exec.
type Manager struct {
	opts Options

	peers  map[string]*peer
	roster map[string]string

	audio domain.LocalTrack
	video domain.LocalTrack
}

// NewManager creates a manager with no peers.
func NewManager(opts Options) *Manager {
	if opts.NegotiationTimeout == 0 {
		opts.NegotiationTimeout = 15 * time.Second
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:   opts,
		peers:  make(map[string]*peer),
		roster: make(map[string]string),
	}
}

// SetLocalTracks sets the tracks attached to links created from now on.
func (m *Manager) SetLocalTracks(tracks []domain.LocalTrack) {
	m.audio, m.video = nil, nil
	for _, t := range tracks {
		switch t.Kind() {
		case domain.MediaAudio:
			m.audio = t
		case domain.MediaVideo:
			m.video = t
		}
	}
}

// HandleUserJoined reacts to a roster join. The participant receiving the
// join is the initiator and sends the offer.
func (m *Manager) HandleUserJoined(peerID, userID string) {
	if peerID == "" || peerID == m.opts.LocalPeerID {
		return
	}
	m.roster[peerID] = userID
	if p, ok := m.peers[peerID]; ok {
		if userID != "" {
			p.userID = userID
		}
		log.Debugf("peer %s already has a link (%s)", peerID, p.state)
		return
	}
	m.initiate(peerID, m.opts.NegotiationRetries)
}

// HandleUserLeft closes and removes the link of a departed participant.
func (m *Manager) HandleUserLeft(peerID string) {
	delete(m.roster, peerID)
	m.Remove(peerID)
}

// HandleOffer answers an offer from peerID, replacing any existing link.
// On an offer collision the peer with the lower id keeps its own offer.
func (m *Manager) HandleOffer(from string, sdp domain.SDPPayload) {
	if from == "" || from == m.opts.LocalPeerID {
		return
	}
	if existing, ok := m.peers[from]; ok {
		if existing.state == PeerOfferSent && m.opts.LocalPeerID < from {
			log.Infof("offer collision with %s, keeping local offer", from)
			return
		}
		log.Infof("replacing link to %s (%s) with new offer", from, existing.state)
		m.teardown(existing, PeerClosed, nil, false)
	}
	if _, ok := m.roster[from]; !ok {
		m.roster[from] = ""
	}

	p, err := m.newPeer(from, false, 0)
	if err != nil {
		log.Errorf("create link for %s: %v", from, err)
		return
	}
	if err := p.link.SetRemoteDescription(sdp); err != nil {
		m.fail(p, errors.Wrap(err, "set remote description"))
		return
	}
	p.remoteSet = true
	m.setState(p, PeerOfferReceived)
	m.flushCandidates(p)

	answer, err := p.link.CreateAnswer()
	if err != nil {
		m.fail(p, errors.Wrap(err, "create answer"))
		return
	}
	if !m.alive(p) {
		return
	}
	m.setState(p, PeerAnswerExchanged)
	m.opts.Sender.Send(domain.Answer(m.opts.LocalPeerID, from, answer))
	log.Infof("sent answer to %s", from)
}

// HandleAnswer applies the answer to an offer this side sent.
func (m *Manager) HandleAnswer(from string, sdp domain.SDPPayload) error {
	p, ok := m.peers[from]
	if !ok {
		log.Debugf("answer from unknown peer %s, ignoring", from)
		return errors.Wrapf(ErrUnknownPeer, "answer from %s", from)
	}
	if p.state != PeerOfferSent {
		log.Warnf("unexpected answer from %s in state %s, ignoring", from, p.state)
		return nil
	}
	if err := p.link.SetRemoteDescription(sdp); err != nil {
		m.fail(p, errors.Wrap(err, "set remote description"))
		return nil
	}
	p.remoteSet = true
	m.setState(p, PeerAnswerExchanged)
	m.flushCandidates(p)
	return nil
}

// HandleCandidate applies a trickled remote candidate. Candidates that
// arrive before the remote description are held until it is set.
func (m *Manager) HandleCandidate(from string, c domain.ICECandidatePayload) error {
	p, ok := m.peers[from]
	if !ok {
		log.Debugf("candidate from unknown peer %s, ignoring", from)
		return errors.Wrapf(ErrUnknownPeer, "candidate from %s", from)
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	m.applyCandidate(p, c)
	return nil
}

// ReplaceVideoTrack swaps the outgoing video on every link, in peer id
// order. A failure on one link does not stop the others; failures are
// returned keyed by peer id.
func (m *Manager) ReplaceVideoTrack(track domain.LocalTrack) map[string]error {
	m.video = track
	failures := make(map[string]error)
	for _, id := range m.sortedIDs() {
		p := m.peers[id]
		if err := p.link.ReplaceVideoTrack(track); err != nil {
			log.Warnf("replace video track for %s: %v", id, err)
			failures[id] = err
		}
	}
	return failures
}

// Remove closes the link to peerID and forgets it. Removing an unknown
// peer does nothing.
func (m *Manager) Remove(peerID string) {
	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	m.teardown(p, PeerClosed, nil, true)
}

// CloseAll closes every link. A failing close does not stop the rest.
func (m *Manager) CloseAll() {
	for _, id := range m.sortedIDs() {
		m.teardown(m.peers[id], PeerClosed, nil, true)
	}
	m.roster = make(map[string]string)
}

// Prune removes links to peers missing from present, limited to links
// created before since so that joins racing the snapshot survive. It
// returns the removed peer ids.
func (m *Manager) Prune(present []string, since time.Time) []string {
	keep := make(map[string]bool, len(present))
	for _, id := range present {
		keep[id] = true
	}
	var removed []string
	for _, id := range m.sortedIDs() {
		p := m.peers[id]
		if keep[id] || !p.createdAt.Before(since) {
			continue
		}
		log.Infof("peer %s missing from snapshot, removing", id)
		delete(m.roster, id)
		m.teardown(p, PeerClosed, nil, true)
		removed = append(removed, id)
	}
	return removed
}

// Peer returns the state of one peer.
func (m *Manager) Peer(peerID string) (PeerInfo, bool) {
	p, ok := m.peers[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Peers returns every managed peer ordered by id.
func (m *Manager) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.peers))
	for _, id := range m.sortedIDs() {
		out = append(out, m.peers[id].info())
	}
	return out
}

func (m *Manager) Len() int { return len(m.peers) }

func (m *Manager) initiate(peerID string, retries int) {
	p, err := m.newPeer(peerID, true, retries)
	if err != nil {
		log.Errorf("create link for %s: %v", peerID, err)
		return
	}
	offer, err := p.link.CreateOffer()
	if err != nil {
		m.fail(p, errors.Wrap(err, "create offer"))
		return
	}
	if !m.alive(p) {
		return
	}
	m.setState(p, PeerOfferSent)
	m.opts.Sender.Send(domain.Offer(m.opts.LocalPeerID, peerID, offer))
	log.Infof("sent offer to %s", peerID)
}

func (m *Manager) newPeer(peerID string, initiator bool, retries int) (*peer, error) {
	link, err := m.opts.NewLink(peerID)
	if err != nil {
		return nil, errors.Wrap(err, "new link")
	}
	p := &peer{
		id:        peerID,
		userID:    m.roster[peerID],
		link:      link,
		state:     PeerNew,
		initiator: initiator,
		retries:   retries,
		createdAt: m.opts.Now(),
	}
	m.peers[peerID] = p

	for _, t := range []domain.LocalTrack{m.audio, m.video} {
		if t == nil {
			continue
		}
		if err := link.AddTrack(t); err != nil {
			log.Warnf("attach %s track to %s: %v", t.Kind(), peerID, err)
		}
	}

	link.OnICECandidate(func(c domain.ICECandidatePayload) {
		m.post(p, func() {
			m.opts.Sender.Send(domain.Candidate(m.opts.LocalPeerID, p.id, c))
		})
	})
	link.OnStateChange(func(s domain.LinkState) {
		m.post(p, func() { m.handleLinkState(p, s) })
	})
	link.OnTrack(func(t domain.RemoteTrack) {
		m.post(p, func() {
			log.Infof("remote %s track from %s", t.Kind(), p.id)
			if m.opts.Events.RemoteTrack != nil {
				m.opts.Events.RemoteTrack(p.id, t)
			}
		})
	})

	if m.opts.NegotiationTimeout > 0 {
		p.timer = m.opts.AfterFunc(m.opts.NegotiationTimeout, func() {
			m.post(p, func() { m.negotiationExpired(p) })
		})
	}
	m.notifyState(p)
	return p, nil
}

// post runs fn on the loop if p is still the current link for its id.
func (m *Manager) post(p *peer, fn func()) {
	m.opts.Exec.Post(func() {
		if !m.alive(p) {
			return
		}
		fn()
	})
}

func (m *Manager) alive(p *peer) bool {
	return m.peers[p.id] == p
}

func (m *Manager) handleLinkState(p *peer, s domain.LinkState) {
	log.Debugf("peer %s link state: %s", p.id, s)
	switch s {
	case domain.LinkStateConnecting:
		if p.state == PeerAnswerExchanged {
			m.setState(p, PeerIceNegotiating)
		}
	case domain.LinkStateConnected:
		if p.connected {
			return
		}
		p.connected = true
		m.stopTimer(p)
		m.setState(p, PeerConnected)
		log.Infof("peer %s connected", p.id)
		if m.opts.Events.PeerConnected != nil {
			m.opts.Events.PeerConnected(p.id)
		}
	case domain.LinkStateDisconnected:
		log.Warnf("peer %s disconnected, waiting for recovery", p.id)
	case domain.LinkStateFailed:
		m.fail(p, ErrLinkFailed)
	case domain.LinkStateClosed:
		m.teardown(p, PeerClosed, nil, true)
	}
}

func (m *Manager) applyCandidate(p *peer, c domain.ICECandidatePayload) {
	if err := p.link.AddICECandidate(c); err != nil {
		log.Warnf("add candidate from %s: %v", p.id, err)
		return
	}
	if p.state == PeerAnswerExchanged {
		m.setState(p, PeerIceNegotiating)
	}
}

func (m *Manager) flushCandidates(p *peer) {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if !m.alive(p) {
			return
		}
		m.applyCandidate(p, c)
	}
}

func (m *Manager) negotiationExpired(p *peer) {
	if p.connected {
		return
	}
	log.Warnf("negotiation with %s timed out in state %s", p.id, p.state)
	m.teardown(p, PeerFailed, ErrNegotiationTimeout, true)

	if _, onRoster := m.roster[p.id]; p.initiator && p.retries > 0 && onRoster {
		log.Infof("re-offering to %s (%d retries left)", p.id, p.retries-1)
		m.initiate(p.id, p.retries-1)
	}
}

func (m *Manager) fail(p *peer, reason error) {
	log.Errorf("peer %s: %v", p.id, reason)
	m.teardown(p, PeerFailed, reason, true)
}

// teardown closes the link before forgetting the peer. notify is false
// when a replacement link takes over the same id.
func (m *Manager) teardown(p *peer, final PeerState, reason error, notify bool) {
	if !m.alive(p) {
		return
	}
	m.stopTimer(p)
	if err := p.link.Close(); err != nil {
		log.Warnf("close link to %s: %v", p.id, err)
	}
	delete(m.peers, p.id)
	m.setState(p, final)
	p.pending = nil

	if notify && m.opts.Events.PeerRemoved != nil {
		m.opts.Events.PeerRemoved(p.id, reason)
	}
}

func (m *Manager) stopTimer(p *peer) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (m *Manager) setState(p *peer, s PeerState) {
	if p.state == s {
		return
	}
	p.state = s
	m.notifyState(p)
}

func (m *Manager) notifyState(p *peer) {
	if m.opts.Events.PeerState != nil {
		m.opts.Events.PeerState(p.id, p.state)
	}
}

func (m *Manager) sortedIDs() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		PeerID:    p.id,
		UserID:    p.userID,
		State:     p.state,
		Initiator: p.initiator,
		CreatedAt: p.createdAt,
	}
}
