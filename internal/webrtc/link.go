package webrtc

import (
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
)

// PionTrack is implemented by local tracks backed by a pion TrackLocal.
type PionTrack interface {
	domain.LocalTrack
	TrackLocal() pion.TrackLocal
}

// LinkConfig configures every pion link a factory creates.
type LinkConfig struct {
	ICE ICEConfig
	// Recorder, when set, records inbound media. Otherwise it is drained.
	Recorder *Recorder
	// FilterLoopback drops 127.0.0.1 and ::1 host candidates.
	FilterLoopback bool
}

// NewLinkFactory builds the pion API once and returns a factory of links
// that share it.
func NewLinkFactory(cfg LinkConfig) (domain.LinkFactory, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	servers := cfg.ICE.Servers()
	policy := cfg.ICE.TransportPolicy()

	return func(peerID string) (domain.PeerLink, error) {
		pc, err := api.NewPeerConnection(pion.Configuration{
			ICEServers:         servers,
			ICETransportPolicy: policy,
			BundlePolicy:       pion.BundlePolicyMaxBundle,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create peer connection")
		}
		return &Link{pc: pc, peerID: peerID, cfg: cfg}, nil
	}, nil
}

func newAPI() (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create nack responder")
	}
	i.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create nack generator")
	}
	i.Add(generator)

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, errors.Wrap(err, "create pli interceptor")
	}
	i.Add(pli)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	), nil
}

// Link is a PeerLink over a pion PeerConnection.
type Link struct {
	pc     *pion.PeerConnection
	peerID string
	cfg    LinkConfig

	mu    sync.Mutex
	video *pion.RTPSender
}

func (l *Link) AddTrack(t domain.LocalTrack) error {
	pt, ok := t.(PionTrack)
	if !ok {
		return errors.Errorf("track %s is not a pion track", t.ID())
	}
	sender, err := l.pc.AddTrack(pt.TrackLocal())
	if err != nil {
		return errors.Wrapf(err, "add %s track", t.Kind())
	}
	if t.Kind() == domain.MediaVideo {
		l.mu.Lock()
		l.video = sender
		l.mu.Unlock()
	}
	go drainRTCP(sender)
	return nil
}

// ReplaceVideoTrack swaps the outgoing video without renegotiating. A nil
// track stops sending video.
func (l *Link) ReplaceVideoTrack(t domain.LocalTrack) error {
	l.mu.Lock()
	sender := l.video
	l.mu.Unlock()
	if sender == nil {
		return errors.Errorf("no video sender toward %s", l.peerID)
	}

	var next pion.TrackLocal
	if t != nil {
		pt, ok := t.(PionTrack)
		if !ok {
			return errors.Errorf("track %s is not a pion track", t.ID())
		}
		next = pt.TrackLocal()
	}
	return errors.Wrap(sender.ReplaceTrack(next), "replace track")
}

// CreateOffer creates an offer and sets it as the local description.
func (l *Link) CreateOffer() (domain.SDPPayload, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "create offer")
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "set local description")
	}
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an answer and sets it as the local description.
func (l *Link) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "create answer")
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "set local description")
	}
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *Link) SetRemoteDescription(sdp domain.SDPPayload) error {
	typ := pion.NewSDPType(sdp.Type)
	if typ == pion.SDPTypeUnknown {
		return errors.Errorf("unknown sdp type %q", sdp.Type)
	}
	err := l.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp.SDP})
	return errors.Wrap(err, "set remote description")
}

func (l *Link) AddICECandidate(c domain.ICECandidatePayload) error {
	mid := c.SDPMid
	index := uint16(c.SDPMLineIndex)
	err := l.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
	return errors.Wrap(err, "add ice candidate")
}

// OnICECandidate reports each local candidate as it is gathered.
func (l *Link) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	l.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debugf("ICE gathering complete for %s", l.peerID)
			return
		}
		init := c.ToJSON()
		if l.cfg.FilterLoopback && isLoopback(init.Candidate) {
			log.Debugf("filtering loopback ICE candidate")
			return
		}

		payload := domain.ICECandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			payload.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		fn(payload)
	})
}

func (l *Link) OnStateChange(fn func(domain.LinkState)) {
	l.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		log.Debugf("peer connection to %s: %s", l.peerID, s)
		fn(linkState(s))
	})
}

// OnTrack reports inbound tracks. Their packets go to the recorder when
// one is configured and are drained otherwise.
func (l *Link) OnTrack(fn func(domain.RemoteTrack)) {
	l.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		log.Infof("got track from %s: kind=%s codec=%s pt=%d", l.peerID, track.Kind(), codec.MimeType, codec.PayloadType)

		if l.cfg.Recorder != nil {
			go l.cfg.Recorder.Record(l.peerID, track)
		} else {
			go drain(track)
		}
		fn(remoteTrack{track})
	})
}

func (l *Link) Close() error {
	return errors.Wrap(l.pc.Close(), "close peer connection")
}

func linkState(s pion.PeerConnectionState) domain.LinkState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.LinkStateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.LinkStateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.LinkStateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.LinkStateFailed
	case pion.PeerConnectionStateClosed:
		return domain.LinkStateClosed
	}
	return domain.LinkStateNew
}

type remoteTrack struct {
	t *pion.TrackRemote
}

func (r remoteTrack) ID() string       { return r.t.ID() }
func (r remoteTrack) StreamID() string { return r.t.StreamID() }

func (r remoteTrack) Kind() domain.MediaKind {
	if r.t.Kind() == pion.RTPCodecTypeAudio {
		return domain.MediaAudio
	}
	return domain.MediaVideo
}

// drainRTCP reads RTCP so that interceptors (NACK, PLI) keep working.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
