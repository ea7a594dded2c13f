// Package tui is a terminal front end for a classroom session.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/session"
	"classroom_live/native/internal/signal"
)

const chatLines = 8

// Classroom is the part of a session the TUI drives.
type Classroom interface {
	PeerID() string
	UserID() string
	ToggleVideo() bool
	ToggleAudio() bool
	ToggleScreenShare(ctx context.Context) (bool, error)
	SendChat(text string) error
	ClearWhiteboard() error
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	toggleActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("10"))

	toggleInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
)

// Messages
type participantsMsg []domain.Participant

type chatMsg domain.ChatMessage

type strokeMsg domain.StrokeRecord

type clearMsg struct{}

type peerMediaMsg struct {
	peerID  string
	kind    domain.MediaKind
	enabled bool
}

type screenShareMsg struct {
	peerID  string
	sharing bool
}

type connStateMsg signal.State

type peerConnectedMsg string

type peerRemovedMsg struct {
	peerID string
	reason error
}

type localMediaMsg domain.LocalPeer

type actionErrMsg struct{ err error }

// EndedMsg tells the TUI that the session stopped.
type EndedMsg struct{ Err error }

// Callbacks turns session notifications into TUI messages. send is usually
// tea.Program.Send.
func Callbacks(send func(tea.Msg)) session.Callbacks {
	return session.Callbacks{
		OnParticipantsChanged: func(ps []domain.Participant) { send(participantsMsg(ps)) },
		OnChatMessage:         func(m domain.ChatMessage) { send(chatMsg(m)) },
		OnStroke:              func(r domain.StrokeRecord) { send(strokeMsg(r)) },
		OnClear:               func() { send(clearMsg{}) },
		OnPeerMedia: func(peerID string, kind domain.MediaKind, enabled bool) {
			send(peerMediaMsg{peerID: peerID, kind: kind, enabled: enabled})
		},
		OnScreenShare: func(peerID string, sharing bool) {
			send(screenShareMsg{peerID: peerID, sharing: sharing})
		},
		OnConnectionState: func(s signal.State) { send(connStateMsg(s)) },
		OnPeerConnected:   func(peerID string) { send(peerConnectedMsg(peerID)) },
		OnPeerRemoved: func(peerID string, reason error) {
			send(peerRemovedMsg{peerID: peerID, reason: reason})
		},
		OnLocalMedia: func(p domain.LocalPeer) { send(localMediaMsg(p)) },
	}
}

type remotePeer struct {
	userID    string
	connected bool
	video     bool
	audio     bool
	sharing   bool
}

type model struct {
	room      Classroom
	classroom string

	state   signal.State
	peers   map[string]*remotePeer
	local   domain.LocalPeer
	chat    []domain.ChatMessage
	strokes int

	typing    bool
	input     string
	lastError string
	ended     bool
}

func newModel(room Classroom, classroom string) model {
	return model{
		room:      room,
		classroom: classroom,
		peers:     make(map[string]*remotePeer),
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) peer(id string) *remotePeer {
	p, ok := m.peers[id]
	if !ok {
		p = &remotePeer{video: true, audio: true}
		m.peers[id] = p
	}
	return p
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case participantsMsg:
		present := make(map[string]bool, len(msg))
		for _, p := range msg {
			if p.PeerID == m.room.PeerID() {
				continue
			}
			present[p.PeerID] = true
			if p.UserID != "" {
				m.peer(p.PeerID).userID = p.UserID
			} else {
				m.peer(p.PeerID)
			}
		}
		for id := range m.peers {
			if !present[id] {
				delete(m.peers, id)
			}
		}

	case chatMsg:
		m.chat = append(m.chat, domain.ChatMessage(msg))
		if len(m.chat) > chatLines {
			m.chat = m.chat[len(m.chat)-chatLines:]
		}

	case strokeMsg:
		m.strokes++

	case clearMsg:
		m.strokes = 0

	case peerMediaMsg:
		p := m.peer(msg.peerID)
		if msg.kind == domain.MediaVideo {
			p.video = msg.enabled
		} else {
			p.audio = msg.enabled
		}

	case screenShareMsg:
		m.peer(msg.peerID).sharing = msg.sharing

	case connStateMsg:
		m.state = signal.State(msg)

	case peerConnectedMsg:
		m.peer(string(msg)).connected = true

	case peerRemovedMsg:
		if p, ok := m.peers[msg.peerID]; ok {
			p.connected = false
		}
		if msg.reason != nil {
			m.lastError = fmt.Sprintf("link to %s dropped: %v", short(msg.peerID), msg.reason)
		}

	case localMediaMsg:
		m.local = domain.LocalPeer(msg)

	case actionErrMsg:
		m.lastError = msg.err.Error()

	case EndedMsg:
		m.ended = true
		if msg.Err != nil {
			m.lastError = msg.Err.Error()
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}

	if m.typing {
		switch msg.Type {
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input)
			m.typing, m.input = false, ""
			if text == "" {
				return m, nil
			}
			return m, m.do(func() error { return m.room.SendChat(text) })
		case tea.KeyEsc:
			m.typing, m.input = false, ""
		case tea.KeyBackspace:
			if r := []rune(m.input); len(r) > 0 {
				m.input = string(r[:len(r)-1])
			}
		case tea.KeySpace:
			m.input += " "
		case tea.KeyRunes:
			m.input += string(msg.Runes)
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "i", "enter":
		m.typing = true
		m.lastError = ""
	case "v":
		return m, m.do(func() error { m.room.ToggleVideo(); return nil })
	case "a":
		return m, m.do(func() error { m.room.ToggleAudio(); return nil })
	case "s":
		return m, m.do(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := m.room.ToggleScreenShare(ctx)
			return err
		})
	case "x":
		return m, m.do(m.room.ClearWhiteboard)
	}
	return m, nil
}

// do runs a session action off the UI goroutine; session calls may wait on
// the session loop, which in turn may be waiting to deliver a message here.
func (m model) do(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Classroom " + m.classroom))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" - %s as %s", short(m.room.PeerID()), m.room.UserID())))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render(m.state.String()))
	b.WriteString("\n\n")

	left := boxStyle.Render(boxTitleStyle.Render("Participants") + "\n" + m.renderPeers())
	right := boxStyle.Render(boxTitleStyle.Render("Chat") + "\n" + m.renderChat())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	b.WriteString("\n")

	b.WriteString(dimStyle.Render(fmt.Sprintf("whiteboard: %d strokes", m.strokes)))
	b.WriteString("\n")

	if m.typing {
		b.WriteString(keyStyle.Render("> ") + m.input + dimStyle.Render("_"))
		b.WriteString("\n")
	}
	if m.lastError != "" {
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m model) renderPeers() string {
	if len(m.peers) == 0 {
		return dimStyle.Render("nobody else here yet")
	}
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lines []string
	for _, id := range ids {
		p := m.peers[id]
		dot := dimStyle.Render("○")
		if p.connected {
			dot = toggleActiveStyle.Render("●")
		}
		name := p.userID
		if name == "" {
			name = short(id)
		}
		flags := flag("cam", p.video) + " " + flag("mic", p.audio)
		if p.sharing {
			flags += " " + toggleActiveStyle.Render("screen")
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", dot, userStyle.Render(name), flags))
	}
	return strings.Join(lines, "\n")
}

func (m model) renderChat() string {
	if len(m.chat) == 0 {
		return dimStyle.Render("no messages")
	}
	lines := make([]string, 0, len(m.chat))
	for _, c := range m.chat {
		lines = append(lines, userStyle.Render(c.UserID)+": "+c.Message)
	}
	return strings.Join(lines, "\n")
}

func (m model) renderHelp() string {
	sep := "  "
	actions := []string{
		keyStyle.Render("i") + helpStyle.Render(" chat"),
		keyStyle.Render("x") + helpStyle.Render(" clear board"),
		keyStyle.Render("q") + helpStyle.Render(" leave"),
	}
	toggles := []string{
		renderToggle("v", "camera", m.local.VideoEnabled),
		renderToggle("a", "mic", m.local.AudioEnabled),
		renderToggle("s", "share", m.local.ScreenSharing),
	}
	return strings.Join(actions, sep) + "\n\n" + strings.Join(toggles, "   ")
}

// renderToggle renders a toggle keybind with active/inactive indicator
func renderToggle(key, label string, active bool) string {
	if active {
		return toggleActiveStyle.Render(" "+key) + " " + toggleActiveStyle.Render(label)
	}
	return toggleInactiveStyle.Render(" "+key) + " " + toggleInactiveStyle.Render(label)
}

func flag(label string, on bool) string {
	if on {
		return toggleActiveStyle.Render(label)
	}
	return toggleInactiveStyle.Render(label)
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Program is the running TUI.
type Program struct {
	prog *tea.Program
}

// NewProgram builds the TUI for room.
func NewProgram(room Classroom, classroom string) *Program {
	return &Program{prog: tea.NewProgram(newModel(room, classroom), tea.WithAltScreen())}
}

// Send delivers a message to the running program.
func (p *Program) Send(msg tea.Msg) {
	p.prog.Send(msg)
}

// Run blocks until the user quits or an EndedMsg arrives.
func (p *Program) Run() error {
	_, err := p.prog.Run()
	return err
}
