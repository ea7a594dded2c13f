// Package session ties the signaling channel, peer links, local media and
// the whiteboard of one classroom together.
//
// Everything that reacts to the network runs on the session's event loop.
// The exported methods are safe to call from any goroutine except the loop
// itself, which is where the callbacks run. Methods that read or change
// loop-owned state wait for Run to start the loop.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"classroom_live/native/internal/auth"
	"classroom_live/native/internal/config"
	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/eventloop"
	"classroom_live/native/internal/logging"
	"classroom_live/native/internal/media"
	"classroom_live/native/internal/signal"
	"classroom_live/native/internal/surface"
	"classroom_live/native/internal/webrtc"
)

var log = logging.For("session")

var (
	ErrClosed      = errors.New("session is closed")
	ErrEmptyChat   = errors.New("chat message is empty")
	ErrAlreadyRuns = errors.New("session is already running")
)

// Callbacks notify the UI. Every field is optional and runs on the session
// loop, so a callback must not call back into the Session synchronously.
type Callbacks struct {
	OnParticipantsChanged func([]domain.Participant)
	OnChatMessage         func(domain.ChatMessage)
	OnStroke              func(domain.StrokeRecord)
	OnClear               func()
	OnPeerMedia           func(peerID string, kind domain.MediaKind, enabled bool)
	OnScreenShare         func(peerID string, sharing bool)
	OnRemoteTrack         func(peerID string, track domain.RemoteTrack)
	OnConnectionState     func(state signal.State)
	OnPeerConnected       func(peerID string)
	OnPeerRemoved         func(peerID string, reason error)
	OnLocalMedia          func(domain.LocalPeer)
}

// Deps are the session's collaborators. NewLink is required; the rest have
// defaults or disable the feature they back when nil.
type Deps struct {
	NewLink   domain.LinkFactory
	Devices   domain.Devices
	Snapshots domain.SnapshotFetcher

	Dial      signal.DialFunc
	After     func(time.Duration) <-chan time.Time
	AfterFunc func(time.Duration, func()) webrtc.Timer
	Now       func() time.Time
}

// Session is one joined classroom.
type Session struct {
	cfg    *config.Config
	deps   Deps
	cb     Callbacks
	info   domain.Session
	peerID string
	userID string

	loop    *eventloop.Loop
	router  *signal.Router
	client  *signal.Client
	manager *webrtc.Manager
	media   *media.Controller
	board   *surface.Whiteboard

	// roster is owned by the loop.
	roster map[string]string

	failed chan error

	mu       sync.Mutex
	running  bool
	left     bool
	cancel   context.CancelFunc
	stopped  chan struct{}
	teardown sync.Once
}

// New builds a session for cfg.ClassroomID. The local peer id is fresh for
// every session; the user id comes from the token's user_id claim, falling
// back to cfg.UserID.
func New(cfg *config.Config, deps Deps, cb Callbacks) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Devices == nil {
		deps.Devices = noDevices{}
	}
	userID := auth.PeekUserID(cfg.Token)
	if userID == "" {
		userID = cfg.UserID
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		cb:      cb,
		info:    domain.Session{ID: cfg.ClassroomID, CreatedAt: deps.Now()},
		peerID:  uuid.NewString(),
		userID:  userID,
		loop:    eventloop.New(),
		router:  signal.NewRouter(),
		roster:  make(map[string]string),
		failed:  make(chan error, 1),
		stopped: make(chan struct{}),
	}

	s.client = signal.NewClient(signal.Options{
		URL:          cfg.SignalURL,
		SessionID:    cfg.ClassroomID,
		Token:        cfg.Token,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		BaseDelay:    cfg.ReconnectBaseDelay,
		PingInterval: cfg.PingInterval,
		Dial:         deps.Dial,
		After:        deps.After,
		Deliver:      s.loop.Post,
	}, s.router)

	timeout := cfg.NegotiationTimeout
	if timeout == 0 {
		timeout = -1
	}
	s.manager = webrtc.NewManager(webrtc.Options{
		LocalPeerID:        s.peerID,
		NewLink:            deps.NewLink,
		Sender:             s.client,
		Exec:               s.loop,
		NegotiationTimeout: timeout,
		NegotiationRetries: cfg.NegotiationRetries,
		AfterFunc:          deps.AfterFunc,
		Now:                deps.Now,
		Events: webrtc.Events{
			PeerConnected: s.cb.OnPeerConnected,
			PeerRemoved:   s.cb.OnPeerRemoved,
			RemoteTrack:   s.cb.OnRemoteTrack,
		},
	})

	s.media = media.NewController(media.Options{
		PeerID:  s.peerID,
		Devices: deps.Devices,
		Peers:   loopPeers{s},
		Sender:  s.client,
		OnChange: func(state domain.LocalPeer) {
			if s.cb.OnLocalMedia == nil {
				return
			}
			state.UserID = s.userID
			s.loop.Post(func() { s.cb.OnLocalMedia(state) })
		},
	})

	s.board = surface.NewWhiteboard(s.peerID, s.client)
	s.board.SetReadOnly(cfg.ReadOnly)
	s.board.Subscribe(s.boardChanged)

	s.routes()
	return s
}

// PeerID returns the local peer id.
func (s *Session) PeerID() string { return s.peerID }

// UserID returns the local user id.
func (s *Session) UserID() string { return s.userID }

// Info returns the session identity.
func (s *Session) Info() domain.Session { return s.info }

// State returns the channel state.
func (s *Session) State() signal.State { return s.client.State() }

// LocalMedia returns the local capture flags.
func (s *Session) LocalMedia() domain.LocalPeer {
	state := s.media.State()
	state.UserID = s.userID
	return state
}

// Run acquires local media (when video or audio is requested), connects and
// blocks until ctx is done, Leave is called or the channel fails for good.
// A failure to acquire media is logged and the session joins without it.
func (s *Session) Run(ctx context.Context, video, audio bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRuns
	}
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.close()
		close(s.stopped)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop.Run(gctx)
	})

	if video || audio {
		tracks, err := s.media.Start(gctx, video, audio)
		if err != nil {
			log.Warnf("joining without local media: %v", err)
		} else {
			s.loop.Do(func() { s.manager.SetLocalTracks(tracks) })
		}
	}

	if err := s.client.Connect(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return errors.Wrap(err, "connect")
	}
	log.Infof("joining classroom %s as %s (user %s)", s.info.ID, s.peerID, s.userID)

	if s.deps.Snapshots != nil && s.cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			s.reconcileLoop(gctx, s.cfg.ReconcileInterval)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.failed:
			return err
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Leave announces the departure and releases everything: local media, peer
// links, the channel and every handler. It blocks until Run has returned
// and is safe to call more than once.
func (s *Session) Leave() {
	if s.client.State() == signal.StateAuthenticated {
		s.client.Send(domain.ClassroomLeave(s.info.ID, s.peerID))
		// flushes the leave before cancelling Run closes the socket
		s.client.Disconnect()
	}

	s.mu.Lock()
	if !s.running && !s.left {
		s.left = true
		s.mu.Unlock()
		s.close()
		close(s.stopped)
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.stopped
}

// close runs once the loop is no longer draining tasks, so loop-owned state
// can be touched directly. Each step runs even if an earlier one fails.
func (s *Session) close() {
	s.teardown.Do(func() {
		s.loop.Stop()
		s.media.Stop()
		s.manager.CloseAll()
		s.client.Disconnect()
		s.router.Clear()
		log.Infof("left classroom %s", s.info.ID)
	})
}

// SendChat publishes a chat line and echoes it locally.
func (s *Session) SendChat(text string) error {
	if text == "" {
		return ErrEmptyChat
	}
	msg := domain.ChatMessage{
		UserID:    s.userID,
		Message:   text,
		Timestamp: s.deps.Now().UTC().Format(time.RFC3339),
	}
	s.client.Send(domain.ChatFrame(msg.UserID, msg.Message, msg.Timestamp))
	if s.cb.OnChatMessage != nil {
		s.loop.Post(func() { s.cb.OnChatMessage(msg) })
	}
	return nil
}

func (s *Session) ToggleVideo() bool { return s.media.ToggleVideo() }

func (s *Session) ToggleAudio() bool { return s.media.ToggleAudio() }

// ToggleScreenShare starts or stops sharing the screen.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	return s.media.ToggleScreenShare(ctx)
}

// CommitStroke draws a local stroke and returns its order.
func (s *Session) CommitStroke(stroke domain.Stroke) (int, error) {
	var (
		order int
		err   error
	)
	if !s.loop.Do(func() { order, err = s.board.Commit(stroke) }) {
		return 0, ErrClosed
	}
	return order, err
}

// ClearWhiteboard clears the board for everyone.
func (s *Session) ClearWhiteboard() error {
	if !s.loop.Do(s.board.Clear) {
		return ErrClosed
	}
	return nil
}

// Strokes returns the whiteboard contents.
func (s *Session) Strokes() []domain.StrokeRecord {
	var out []domain.StrokeRecord
	s.loop.Do(func() { out = s.board.Strokes() })
	return out
}

// Participants returns the roster ordered by peer id.
func (s *Session) Participants() []domain.Participant {
	var out []domain.Participant
	s.loop.Do(func() { out = s.participants() })
	return out
}

// Peers returns the state of every peer link.
func (s *Session) Peers() []webrtc.PeerInfo {
	var out []webrtc.PeerInfo
	s.loop.Do(func() { out = s.manager.Peers() })
	return out
}

// Reconcile fetches the authoritative session state and applies it: the
// roster is replaced, links to peers that are gone are removed and the
// whiteboard catches up with missed strokes or a missed clear.
func (s *Session) Reconcile(ctx context.Context) error {
	if s.deps.Snapshots == nil {
		return nil
	}
	var mark surface.Mark
	if !s.loop.Do(func() { mark = s.board.Mark() }) {
		return ErrClosed
	}
	since := s.deps.Now()
	snap, err := s.deps.Snapshots.FetchSnapshot(ctx, s.info.ID)
	if err != nil {
		return errors.Wrap(err, "fetch snapshot")
	}
	if !s.loop.Do(func() { s.applySnapshot(snap, since, mark) }) {
		return ErrClosed
	}
	return nil
}

func (s *Session) reconcileLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("reconcile: %v", err)
			}
		}
	}
}

func (s *Session) applySnapshot(snap *domain.Snapshot, since time.Time, mark surface.Mark) {
	roster := make(map[string]string, len(snap.Participants))
	present := make([]string, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		roster[p.PeerID] = p.UserID
		present = append(present, p.PeerID)
	}
	removed := s.manager.Prune(present, since)
	added, cleared := s.board.ApplySnapshot(snap.Strokes, mark)
	if len(removed) > 0 || added > 0 || cleared {
		log.Infof("reconciled: removed %d peers, applied %d strokes, cleared=%t", len(removed), added, cleared)
	}
	s.setRoster(roster)
}

func (s *Session) participants() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.roster))
	for peerID, userID := range s.roster {
		out = append(out, domain.Participant{PeerID: peerID, UserID: userID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (s *Session) setRoster(roster map[string]string) {
	s.roster = roster
	if s.cb.OnParticipantsChanged != nil {
		s.cb.OnParticipantsChanged(s.participants())
	}
}

func (s *Session) boardChanged(c surface.Change[domain.Stroke]) {
	switch c.Kind {
	case surface.Appended:
		if s.cb.OnStroke != nil {
			s.cb.OnStroke(domain.StrokeRecord{PeerID: c.Entry.Author, Order: c.Entry.Order, Stroke: c.Entry.Value})
		}
	case surface.Cleared:
		if s.cb.OnClear != nil {
			s.cb.OnClear()
		}
	}
}

// loopPeers runs manager calls from the media controller on the loop.
type loopPeers struct{ s *Session }

func (p loopPeers) ReplaceVideoTrack(track domain.LocalTrack) map[string]error {
	var failures map[string]error
	p.s.loop.Do(func() { failures = p.s.manager.ReplaceVideoTrack(track) })
	return failures
}

type noDevices struct{}

func (noDevices) UserMedia(context.Context, bool, bool) (*domain.Stream, error) {
	return nil, media.ErrNoDevice
}

func (noDevices) DisplayMedia(context.Context) (*domain.Stream, error) {
	return nil, media.ErrNoDisplaySource
}
