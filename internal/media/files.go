package media

import (
	"context"
	"io"
	"os"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
)

const streamID = "classroom"

var (
	// ErrNoDisplaySource is returned when screen capture is not available.
	ErrNoDisplaySource = errors.New("no display source")
	// ErrNoDevice is returned when a requested camera or microphone is not
	// configured.
	ErrNoDevice = errors.New("no capture device")
)

// FileDevices captures from media files: VP8 in IVF for the camera and the
// screen, Opus in Ogg for the microphone. Camera and microphone loop; the
// screen capture ends with its file, which the session treats as the user
// stopping the share.
type FileDevices struct {
	Camera string
	Mic    string
	Screen string
}

func (d *FileDevices) UserMedia(ctx context.Context, video, audio bool) (*domain.Stream, error) {
	s := &domain.Stream{}
	if video {
		t, _, err := d.open(ctx, d.Camera, "camera", domain.MediaVideo, true)
		if err != nil {
			return nil, errors.Wrap(err, "camera")
		}
		s.Tracks = append(s.Tracks, t)
	}
	if audio {
		t, _, err := d.open(ctx, d.Mic, "microphone", domain.MediaAudio, true)
		if err != nil {
			s.Stop()
			return nil, errors.Wrap(err, "microphone")
		}
		s.Tracks = append(s.Tracks, t)
	}
	return s, nil
}

func (d *FileDevices) DisplayMedia(ctx context.Context) (*domain.Stream, error) {
	if d.Screen == "" {
		return nil, ErrNoDisplaySource
	}
	t, ended, err := d.open(ctx, d.Screen, "screen", domain.MediaVideo, false)
	if err != nil {
		return nil, errors.Wrap(err, "screen")
	}
	return &domain.Stream{Tracks: []domain.LocalTrack{t}, Ended: ended}, nil
}

// open checks that path parses, then starts pumping it into a new track.
// The returned channel is closed when pumping stops.
func (d *FileDevices) open(ctx context.Context, path, id string, kind domain.MediaKind, loop bool) (*Track, <-chan struct{}, error) {
	if path == "" {
		return nil, nil, ErrNoDevice
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := probe(path, kind); err != nil {
		return nil, nil, err
	}

	t, err := NewTrack(id, kind, streamID)
	if err != nil {
		return nil, nil, err
	}
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for {
			var err error
			if kind == domain.MediaAudio {
				err = pumpOgg(t, path)
			} else {
				err = pumpIVF(t, path)
			}
			if err != nil {
				log.Warnf("%s: %v", id, err)
				return
			}
			select {
			case <-t.Done():
				return
			default:
			}
			if !loop {
				log.Infof("%s source %s ended", id, path)
				return
			}
		}
	}()
	return t, ended, nil
}

func probe(path string, kind domain.MediaKind) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()

	if kind == domain.MediaAudio {
		_, _, err = oggreader.NewWith(f)
		return errors.Wrapf(err, "parse ogg %s", path)
	}
	_, _, err = ivfreader.NewWith(f)
	return errors.Wrapf(err, "parse ivf %s", path)
}

// pumpIVF plays one pass of an IVF file in real time.
func pumpIVF(t *Track, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return errors.Wrap(err, "parse ivf")
	}
	interval := frameInterval(header)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if n == 0 {
				return errors.New("ivf has no frames")
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read ivf frame")
		}
		select {
		case <-t.Done():
			return nil
		case <-ticker.C:
		}
		if err := t.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
			return errors.Wrap(err, "write video sample")
		}
	}
}

// pumpOgg plays one pass of an Ogg Opus file in real time.
func pumpOgg(t *Track, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return errors.Wrap(err, "parse ogg")
	}

	const page = 20 * time.Millisecond
	ticker := time.NewTicker(page)
	defer ticker.Stop()

	var lastGranule uint64
	for n := 0; ; n++ {
		data, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if n == 0 {
				return errors.New("ogg has no pages")
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read ogg page")
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond

		select {
		case <-t.Done():
			return nil
		case <-ticker.C:
		}
		if err := t.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil {
			return errors.Wrap(err, "write audio sample")
		}
	}
}

func frameInterval(h *ivfreader.IVFFileHeader) time.Duration {
	if h == nil || h.TimebaseDenominator == 0 {
		return 33 * time.Millisecond
	}
	d := time.Duration(float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator) * float64(time.Second))
	if d <= 0 {
		return 33 * time.Millisecond
	}
	return d
}
