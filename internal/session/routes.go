package session

import (
	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/signal"
)

func (s *Session) routes() {
	r := s.router

	r.On(signal.EventConnected, func(ev signal.Event) {
		s.client.Send(domain.ClassroomJoin(s.info.ID, s.peerID, s.userID))
		s.connectionState(ev.State)
	})
	r.On(signal.EventDisconnected, func(ev signal.Event) {
		s.connectionState(ev.State)
	})
	r.On(signal.EventReconnecting, func(ev signal.Event) {
		s.connectionState(ev.State)
	})
	r.On(signal.EventError, func(ev signal.Event) {
		if errors.Is(ev.Err, signal.ErrReconnectExhausted) || errors.Is(ev.Err, signal.ErrAuthRejected) {
			s.connectionState(ev.State)
			select {
			case s.failed <- ev.Err:
			default:
			}
		}
	})

	r.On(domain.TypeClassroomUserJoined, s.onUserJoined)
	r.On(domain.TypeClassroomUserLeft, s.onUserLeft)

	r.On(domain.TypeOffer, func(ev signal.Event) {
		f := ev.Frame
		if !s.forMe(f) || f.SDP == nil {
			return
		}
		s.manager.HandleOffer(f.FromPeerID, *f.SDP)
	})
	r.On(domain.TypeAnswer, func(ev signal.Event) {
		f := ev.Frame
		if !s.forMe(f) || f.SDP == nil {
			return
		}
		_ = s.manager.HandleAnswer(f.FromPeerID, *f.SDP)
	})
	r.On(domain.TypeICECandidate, func(ev signal.Event) {
		f := ev.Frame
		if !s.forMe(f) || f.Candidate == nil {
			return
		}
		_ = s.manager.HandleCandidate(f.FromPeerID, *f.Candidate)
	})

	r.On(domain.TypeMediaToggle, func(ev signal.Event) {
		f := ev.Frame
		if f.PeerID == s.peerID || f.Enabled == nil || s.cb.OnPeerMedia == nil {
			return
		}
		s.cb.OnPeerMedia(f.PeerID, f.MediaType, *f.Enabled)
	})
	r.On(domain.TypeScreenShareToggle, func(ev signal.Event) {
		f := ev.Frame
		if f.PeerID == s.peerID || f.IsSharing == nil || s.cb.OnScreenShare == nil {
			return
		}
		s.cb.OnScreenShare(f.PeerID, *f.IsSharing)
	})

	r.On(domain.TypeWhiteboardStroke, func(ev signal.Event) {
		s.board.ReceiveStroke(ev.Frame)
	})
	r.On(domain.TypeWhiteboardClear, func(ev signal.Event) {
		s.board.ReceiveClear(ev.Frame)
	})

	r.On(domain.TypeChatMessage, func(ev signal.Event) {
		f := ev.Frame
		if s.cb.OnChatMessage == nil {
			return
		}
		s.cb.OnChatMessage(domain.ChatMessage{UserID: f.UserID, Message: f.Message, Timestamp: f.Timestamp})
	})
}

// forMe drops negotiation frames addressed to another peer.
func (s *Session) forMe(f domain.Frame) bool {
	if f.TargetPeerID != s.peerID {
		log.Debugf("dropping %s for %s", f.Type, f.TargetPeerID)
		return false
	}
	return true
}

func (s *Session) onUserJoined(ev signal.Event) {
	f := ev.Frame
	roster := s.rosterFrom(f.OnlineParticipants)
	if f.PeerID != "" {
		roster[f.PeerID] = f.UserID
	}
	s.setRoster(roster)

	if f.PeerID != s.peerID {
		log.Infof("%s joined", f.PeerID)
		s.manager.HandleUserJoined(f.PeerID, f.UserID)
	}
}

func (s *Session) onUserLeft(ev signal.Event) {
	f := ev.Frame
	roster := s.rosterFrom(f.OnlineParticipants)
	delete(roster, f.PeerID)
	s.setRoster(roster)

	log.Infof("%s left", f.PeerID)
	s.manager.HandleUserLeft(f.PeerID)
}

// rosterFrom rebuilds the roster from an online list, keeping known user
// ids. A frame without the list keeps the current roster.
func (s *Session) rosterFrom(online []string) map[string]string {
	roster := make(map[string]string, len(online))
	if online == nil {
		for id, user := range s.roster {
			roster[id] = user
		}
		return roster
	}
	for _, id := range online {
		roster[id] = s.roster[id]
	}
	return roster
}

func (s *Session) connectionState(state signal.State) {
	if s.cb.OnConnectionState != nil {
		s.cb.OnConnectionState(state)
	}
}
