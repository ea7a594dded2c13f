package webrtc

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/pkg/errors"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// rtpSource is satisfied by *pion.TrackRemote.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Recorder writes remote tracks to disk: VP8 as IVF, Opus as Ogg and H264
// as an Annex-B elementary stream. Other codecs are drained.
type Recorder struct {
	dir string
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create recording dir")
	}
	return &Recorder{dir: dir}, nil
}

// Record copies track until it ends. It blocks; run it on its own goroutine.
func (r *Recorder) Record(peerID string, track *pion.TrackRemote) {
	codec := track.Codec()
	name := unsafeName.ReplaceAllString(peerID+"-"+track.ID(), "_")

	w, path, err := r.writerFor(codec.MimeType, name)
	if err != nil {
		log.Warnf("record %s track of %s: %v", codec.MimeType, peerID, err)
		drain(track)
		return
	}
	if w == nil {
		log.Debugf("not recording %s track of %s", codec.MimeType, peerID)
		drain(track)
		return
	}

	log.Infof("recording %s track of %s to %s", codec.MimeType, peerID, path)
	n, err := copyRTP(w, track)
	if err != nil {
		log.Warnf("recording %s: %v", path, err)
	}
	log.Infof("recorded %d packets to %s", n, path)
}

func (r *Recorder) writerFor(mime, name string) (rtpWriter, string, error) {
	switch {
	case strings.EqualFold(mime, pion.MimeTypeVP8):
		path := filepath.Join(r.dir, name+".ivf")
		w, err := ivfwriter.New(path)
		return w, path, errors.Wrap(err, "open ivf writer")

	case strings.EqualFold(mime, pion.MimeTypeOpus):
		path := filepath.Join(r.dir, name+".ogg")
		w, err := oggwriter.New(path, 48000, 2)
		return w, path, errors.Wrap(err, "open ogg writer")

	case strings.EqualFold(mime, pion.MimeTypeH264):
		path := filepath.Join(r.dir, name+".h264")
		f, err := os.Create(path)
		if err != nil {
			return nil, path, errors.Wrap(err, "create h264 file")
		}
		return newAnnexBWriter(f), path, nil
	}
	return nil, "", nil
}

// copyRTP moves packets until the source ends and closes w. It returns
// the number of packets written.
func copyRTP(w rtpWriter, src rtpSource) (int, error) {
	defer w.Close()

	n := 0
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, errors.Wrap(err, "read rtp")
		}
		if err := w.WriteRTP(pkt); err != nil {
			return n, errors.Wrap(err, "write rtp")
		}
		n++
	}
}

func drain(track rtpSource) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// annexBWriter depacketizes H264 RTP into start-code delimited NAL units.
type annexBWriter struct {
	out    io.WriteCloser
	depack *H264Depacketizer
}

func newAnnexBWriter(out io.WriteCloser) *annexBWriter {
	return &annexBWriter{out: out, depack: NewH264Depacketizer()}
}

func (a *annexBWriter) WriteRTP(pkt *rtp.Packet) error {
	for _, nalu := range a.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
		if len(nalu) == 0 {
			continue
		}
		if _, err := a.out.Write(startCode); err != nil {
			return err
		}
		if _, err := a.out.Write(nalu); err != nil {
			return err
		}
	}
	return nil
}

func (a *annexBWriter) Close() error {
	return a.out.Close()
}
