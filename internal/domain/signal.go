package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Frame types on the classroom channel.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"
	TypePing        = "ping"

	TypeClassroomJoin       = "classroom_join"
	TypeClassroomLeave      = "classroom_leave"
	TypeClassroomUserJoined = "classroom_user_joined"
	TypeClassroomUserLeft   = "classroom_user_left"

	TypeOffer        = "webrtc_offer"
	TypeAnswer       = "webrtc_answer"
	TypeICECandidate = "webrtc_ice_candidate"

	TypeMediaToggle       = "media_toggle"
	TypeScreenShareToggle = "screen_share_toggle"

	TypeWhiteboardStroke = "whiteboard_stroke"
	TypeWhiteboardClear  = "whiteboard_clear"

	TypeChatMessage = "chat_message"
)

// Frame types on the course chat channel.
const (
	TypeMessageSend     = "message.send"
	TypeMessageTyping   = "message.typing"
	TypeMessageReaction = "message.reaction"
)

// Frame is one JSON message on a signaling channel. The Type field selects
// which of the other fields are meaningful. Frames are built with the
// constructors below and are not modified after construction.
type Frame struct {
	Type string `json:"type"`

	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`

	ClassroomID        string   `json:"classroom_id,omitempty"`
	PeerID             string   `json:"peer_id,omitempty"`
	UserID             string   `json:"user_id,omitempty"`
	OnlineParticipants []string `json:"online_participants,omitempty"`

	TargetPeerID string               `json:"target_peer_id,omitempty"`
	FromPeerID   string               `json:"from_peer_id,omitempty"`
	SDP          *SDPPayload          `json:"sdp,omitempty"`
	Candidate    *ICECandidatePayload `json:"candidate,omitempty"`

	MediaType MediaKind `json:"media_type,omitempty"`
	Enabled   *bool     `json:"enabled,omitempty"`
	IsSharing *bool     `json:"is_sharing,omitempty"`

	StrokeData  *Stroke `json:"stroke_data,omitempty"`
	StrokeOrder int     `json:"stroke_order,omitempty"`

	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	ChannelID       string `json:"channel_id,omitempty"`
	Content         string `json:"content,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
}

func boolPtr(v bool) *bool { return &v }

func Auth(token string) Frame {
	return Frame{Type: TypeAuth, Token: token}
}

func Ping() Frame {
	return Frame{Type: TypePing}
}

func ClassroomJoin(classroomID, peerID, userID string) Frame {
	return Frame{Type: TypeClassroomJoin, ClassroomID: classroomID, PeerID: peerID, UserID: userID}
}

func ClassroomLeave(classroomID, peerID string) Frame {
	return Frame{Type: TypeClassroomLeave, ClassroomID: classroomID, PeerID: peerID}
}

func UserJoined(peerID, userID string, online []string) Frame {
	return Frame{Type: TypeClassroomUserJoined, PeerID: peerID, UserID: userID, OnlineParticipants: append([]string(nil), online...)}
}

func UserLeft(peerID, userID string, online []string) Frame {
	return Frame{Type: TypeClassroomUserLeft, PeerID: peerID, UserID: userID, OnlineParticipants: append([]string(nil), online...)}
}

func Offer(from, target string, sdp SDPPayload) Frame {
	return Frame{Type: TypeOffer, FromPeerID: from, TargetPeerID: target, SDP: &sdp}
}

func Answer(from, target string, sdp SDPPayload) Frame {
	return Frame{Type: TypeAnswer, FromPeerID: from, TargetPeerID: target, SDP: &sdp}
}

func Candidate(from, target string, c ICECandidatePayload) Frame {
	return Frame{Type: TypeICECandidate, FromPeerID: from, TargetPeerID: target, Candidate: &c}
}

func MediaToggle(peerID string, kind MediaKind, enabled bool) Frame {
	return Frame{Type: TypeMediaToggle, PeerID: peerID, MediaType: kind, Enabled: boolPtr(enabled)}
}

func ScreenShareToggle(peerID string, sharing bool) Frame {
	return Frame{Type: TypeScreenShareToggle, PeerID: peerID, IsSharing: boolPtr(sharing)}
}

func WhiteboardStroke(peerID string, stroke Stroke, order int) Frame {
	stroke.Points = append([]Point(nil), stroke.Points...)
	return Frame{Type: TypeWhiteboardStroke, PeerID: peerID, StrokeData: &stroke, StrokeOrder: order}
}

func WhiteboardClear(peerID string) Frame {
	return Frame{Type: TypeWhiteboardClear, PeerID: peerID}
}

func ChatFrame(userID, message, timestamp string) Frame {
	return Frame{Type: TypeChatMessage, UserID: userID, Message: message, Timestamp: timestamp}
}

func MessageSend(channelID, content, parentMessageID string) Frame {
	return Frame{Type: TypeMessageSend, ChannelID: channelID, Content: content, ParentMessageID: parentMessageID}
}

func MessageTyping(channelID string) Frame {
	return Frame{Type: TypeMessageTyping, ChannelID: channelID}
}

func MessageReaction(channelID, messageID, emoji string) Frame {
	return Frame{Type: TypeMessageReaction, ChannelID: channelID, ParentMessageID: messageID, Emoji: emoji}
}
