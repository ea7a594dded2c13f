// Package media owns local capture: tracks, the devices that feed them and
// the controller that toggles them during a session.
package media

import (
	"sync"
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/logging"
)

var log = logging.For("media")

// Track is a local track backed by a pion sample track. A disabled track
// stays attached to its senders but stops emitting samples.
type Track struct {
	id    string
	kind  domain.MediaKind
	local *pion.TrackLocalStaticSample

	enabled  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewTrack creates a VP8 video or Opus audio track.
func NewTrack(id string, kind domain.MediaKind, streamID string) (*Track, error) {
	mime := pion.MimeTypeVP8
	if kind == domain.MediaAudio {
		mime = pion.MimeTypeOpus
	}
	local, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s track", kind)
	}
	t := &Track{id: id, kind: kind, local: local, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.MediaKind { return t.kind }
func (t *Track) Enabled() bool          { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// TrackLocal exposes the pion track so links can send it.
func (t *Track) TrackLocal() pion.TrackLocal {
	return t.local
}

// Stop ends the track. Writers see Done closed.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Track) Done() <-chan struct{} {
	return t.done
}

// WriteSample sends one sample unless the track is disabled or stopped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}
