package media

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
)

// Peers replaces the outgoing video on every peer link and returns the
// per-peer failures.
type Peers interface {
	ReplaceVideoTrack(track domain.LocalTrack) map[string]error
}

// Options configures a Controller.
type Options struct {
	PeerID  string
	Devices domain.Devices
	Peers   Peers
	Sender  domain.Sender
	// OnChange is called after every change of the local media state.
	OnChange func(domain.LocalPeer)
}

// Controller owns the local camera, microphone and screen capture. It is
// safe for concurrent use. Peers may block on the session loop, so the
// controller must not be driven from the loop goroutine.
type Controller struct {
	opts Options

	// shareMu serializes screen share transitions.
	shareMu sync.Mutex

	mu      sync.Mutex
	local   *domain.Stream
	screen  *domain.Stream
	video   bool
	audio   bool
	sharing bool
}

func NewController(opts Options) *Controller {
	return &Controller{opts: opts}
}

// Start acquires the camera and microphone. On failure the session goes on
// without local media and the error is returned to the caller.
func (c *Controller) Start(ctx context.Context, video, audio bool) ([]domain.LocalTrack, error) {
	stream, err := c.opts.Devices.UserMedia(ctx, video, audio)
	if err != nil {
		return nil, errors.Wrap(err, "acquire user media")
	}

	c.mu.Lock()
	if c.local != nil {
		c.local.Stop()
	}
	c.local = stream
	c.video = stream.Track(domain.MediaVideo) != nil
	c.audio = stream.Track(domain.MediaAudio) != nil
	video, audio = c.video, c.audio
	tracks := append([]domain.LocalTrack(nil), stream.Tracks...)
	c.mu.Unlock()

	log.Infof("local media started: video=%t audio=%t", video, audio)
	c.changed()
	return tracks, nil
}

// ToggleVideo flips the camera track and announces the new state.
func (c *Controller) ToggleVideo() bool {
	return c.toggle(domain.MediaVideo)
}

// ToggleAudio flips the microphone track and announces the new state.
func (c *Controller) ToggleAudio() bool {
	return c.toggle(domain.MediaAudio)
}

func (c *Controller) toggle(kind domain.MediaKind) bool {
	c.mu.Lock()
	var enabled bool
	if kind == domain.MediaVideo {
		c.video = !c.video
		enabled = c.video
	} else {
		c.audio = !c.audio
		enabled = c.audio
	}
	if t := c.local.Track(kind); t != nil {
		t.SetEnabled(enabled)
	}
	c.mu.Unlock()

	log.Infof("%s %s", kind, onOff(enabled))
	c.opts.Sender.Send(domain.MediaToggle(c.opts.PeerID, kind, enabled))
	c.changed()
	return enabled
}

// ToggleScreenShare starts or stops sharing and reports whether sharing is
// now on. Starting replaces the outgoing video on every link; a link that
// fails to switch is logged and does not fail the operation.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.shareMu.Lock()
	defer c.shareMu.Unlock()

	c.mu.Lock()
	sharing := c.sharing
	c.mu.Unlock()

	if sharing {
		c.stopShare("stopped by user")
		return false, nil
	}
	if err := c.startShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Sharing reports whether the screen is being shared.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// State returns the local capability flags.
func (c *Controller) State() domain.LocalPeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.LocalPeer{
		PeerID:        c.opts.PeerID,
		VideoEnabled:  c.video,
		AudioEnabled:  c.audio,
		ScreenSharing: c.sharing,
	}
}

// Stop releases every capture. It is safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	local, screen := c.local, c.screen
	c.local, c.screen = nil, nil
	c.sharing = false
	c.mu.Unlock()

	screen.Stop()
	local.Stop()
}

func (c *Controller) startShare(ctx context.Context) error {
	stream, err := c.opts.Devices.DisplayMedia(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire display media")
	}
	track := stream.Track(domain.MediaVideo)
	if track == nil {
		stream.Stop()
		return ErrNoDisplaySource
	}

	c.replace(track)

	c.mu.Lock()
	c.screen = stream
	c.sharing = true
	c.mu.Unlock()

	log.Infof("screen share started")
	c.opts.Sender.Send(domain.ScreenShareToggle(c.opts.PeerID, true))
	c.changed()

	if stream.Ended != nil {
		go c.watch(stream)
	}
	return nil
}

// watch turns the capture ending on its own into a normal toggle-off.
func (c *Controller) watch(stream *domain.Stream) {
	<-stream.Ended

	c.shareMu.Lock()
	defer c.shareMu.Unlock()

	c.mu.Lock()
	current := c.screen == stream
	c.mu.Unlock()
	if current {
		c.stopShare("capture ended")
	}
}

// stopShare must be called with shareMu held.
func (c *Controller) stopShare(reason string) {
	c.mu.Lock()
	screen := c.screen
	c.screen = nil
	c.sharing = false
	camera := c.local.Track(domain.MediaVideo)
	c.mu.Unlock()

	screen.Stop()
	c.replace(camera)

	log.Infof("screen share stopped: %s", reason)
	c.opts.Sender.Send(domain.ScreenShareToggle(c.opts.PeerID, false))
	c.changed()
}

func (c *Controller) replace(track domain.LocalTrack) {
	failures := c.opts.Peers.ReplaceVideoTrack(track)
	if len(failures) == 0 {
		return
	}
	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		log.Warnf("peer %s kept its previous video track: %v", id, failures[id])
	}
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.State())
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
