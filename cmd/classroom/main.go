package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"classroom_live/native/internal/api"
	"classroom_live/native/internal/chat"
	"classroom_live/native/internal/config"
	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/logging"
	"classroom_live/native/internal/media"
	"classroom_live/native/internal/session"
	sigclient "classroom_live/native/internal/signal"
	"classroom_live/native/internal/tui"
	"classroom_live/native/internal/webrtc"
)

var version = "dev"

const helpText = `classroom - Join a live classroom session over WebRTC

Usage:
  classroom [options]

Camera, microphone and screen are read from files so the client runs on
machines without capture devices: VP8 in IVF for video, Opus in Ogg for
audio.

Environment Variables (required):
  CLASSROOM_SIGNAL_URL  Signaling websocket base, e.g. ws://localhost:8080/ws/classroom
  CLASSROOM_TOKEN       JWT issued by classroomd
  CLASSROOM_ID          Classroom session to join

Environment Variables (optional):
  CLASSROOM_API_URL      REST base used for periodic state reconciliation
  CLASSROOM_CHAT_URL     Course chat websocket base (with CLASSROOM_COURSE_ID)
  CLASSROOM_CAMERA_FILE  IVF file used as the camera
  CLASSROOM_MIC_FILE     Ogg file used as the microphone
  CLASSROOM_SCREEN_FILE  IVF file used as the shared screen
  CLASSROOM_READ_ONLY    Reject local whiteboard strokes
  ICE_MODE               stun-turn (default), turn-only or stun-only
  STUN_URLS, TURN_URLS, TURN_USERNAME, TURN_PASSWORD

Examples:
  # Join with camera and microphone in the terminal UI
  classroom --tui

  # Join headless and record every remote track
  classroom --record ./recordings

Options:
  --tui         Show the terminal UI (logs go to classroom.log)
  --record DIR  Record remote tracks into DIR
  --no-video    Join without the camera
  --no-audio    Join without the microphone
  --debug       Verbose logging
  -h, --help    Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	fs := flag.NewFlagSet("classroom", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, helpText) }
	useTUI := fs.Bool("tui", false, "")
	recordDir := fs.String("record", "", "")
	noVideo := fs.Bool("no-video", false, "")
	noAudio := fs.Bool("no-audio", false, "")
	debug := fs.Bool("debug", false, "")
	_ = fs.Parse(os.Args[1:])

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	logging.SetDebug(*debug)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	logging.Setup(logging.ReportConfig{
		Token:       cfg.RollbarToken,
		Environment: cfg.Env,
		CodeVersion: version,
	})
	defer logging.Close()

	if *useTUI {
		f, err := os.OpenFile("classroom.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("[main] open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
		logging.SetOutput(f)
	}

	var recorder *webrtc.Recorder
	if *recordDir != "" {
		recorder, err = webrtc.NewRecorder(*recordDir)
		if err != nil {
			log.Fatalf("[main] recorder: %v", err)
		}
		log.Printf("[main] recording remote tracks to %s", *recordDir)
	}

	newLink, err := webrtc.NewLinkFactory(webrtc.LinkConfig{
		ICE: webrtc.ICEConfig{
			Mode:         cfg.ICE.Mode,
			STUNURLs:     cfg.ICE.STUNURLs,
			TURNURLs:     cfg.ICE.TURNURLs,
			TURNUsername: cfg.ICE.TURNUsername,
			TURNPassword: cfg.ICE.TURNPassword,
		},
		Recorder:       recorder,
		FilterLoopback: cfg.Env == "production",
	})
	if err != nil {
		log.Fatalf("[main] webrtc: %v", err)
	}

	deps := session.Deps{
		NewLink: newLink,
		Devices: &media.FileDevices{
			Camera: cfg.CameraFile,
			Mic:    cfg.MicFile,
			Screen: cfg.ScreenFile,
		},
	}
	if cfg.APIURL != "" {
		deps.Snapshots = api.NewClient(cfg.APIURL, cfg.Token)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		sess *session.Session
		prog *tui.Program
	)
	if *useTUI {
		sess = session.New(cfg, deps, tui.Callbacks(func(m tea.Msg) { prog.Send(m) }))
		prog = tui.NewProgram(sess, cfg.ClassroomID)
	} else {
		sess = session.New(cfg, deps, logCallbacks())
	}
	log.Printf("[main] classroom %s, peer %s, user %s", cfg.ClassroomID, sess.PeerID(), sess.UserID())

	course := startCourseChat(ctx, cfg)
	if course != nil {
		defer course.Close()
	}

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	runErr := make(chan error, 1)
	go func() {
		err := sess.Run(ctx, !*noVideo, !*noAudio)
		if prog != nil {
			prog.Send(tui.EndedMsg{Err: err})
		}
		runErr <- err
	}()

	if prog != nil {
		if err := prog.Run(); err != nil {
			log.Printf("[main] tui: %v", err)
		}
		cancel()
	}

	sess.Leave()
	if err := <-runErr; err != nil {
		log.Printf("[main] session ended: %v", err)
		logging.Close()
		os.Exit(1)
	}
	log.Printf("[main] done")
}

// startCourseChat connects the course channel when it is configured.
// Messages are only logged; the classroom chat lives in the session.
func startCourseChat(ctx context.Context, cfg *config.Config) *chat.Client {
	if cfg.ChatURL == "" || cfg.CourseID == "" {
		return nil
	}
	c := chat.New(chat.Options{
		URL:      cfg.ChatURL,
		CourseID: cfg.CourseID,
		Token:    cfg.Token,
		OnMessage: func(m chat.Message) {
			switch m.Type {
			case domain.TypeMessageSend:
				log.Printf("[course] %s: %s", m.UserID, m.Content)
			case domain.TypeMessageReaction:
				log.Printf("[course] %s reacted %s", m.UserID, m.Emoji)
			}
		},
		OnState: func(s sigclient.State) {
			log.Printf("[course] channel %s", s)
		},
	})
	if err := c.Connect(ctx); err != nil {
		log.Printf("[main] course chat: %v", err)
		return nil
	}
	return c
}

func logCallbacks() session.Callbacks {
	return session.Callbacks{
		OnParticipantsChanged: func(ps []domain.Participant) {
			log.Printf("[main] %d participant(s) online", len(ps))
		},
		OnChatMessage: func(m domain.ChatMessage) {
			log.Printf("[chat] %s: %s", m.UserID, m.Message)
		},
		OnClear: func() {
			log.Printf("[main] whiteboard cleared")
		},
		OnPeerMedia: func(peerID string, kind domain.MediaKind, enabled bool) {
			log.Printf("[main] %s %s enabled=%v", peerID, kind, enabled)
		},
		OnScreenShare: func(peerID string, sharing bool) {
			log.Printf("[main] %s screen share=%v", peerID, sharing)
		},
		OnRemoteTrack: func(peerID string, track domain.RemoteTrack) {
			log.Printf("[main] %s track %s (%s)", peerID, track.ID(), track.Kind())
		},
		OnConnectionState: func(s sigclient.State) {
			log.Printf("[main] signaling %s", s)
		},
		OnPeerConnected: func(peerID string) {
			log.Printf("[main] connected to %s", peerID)
		},
		OnPeerRemoved: func(peerID string, reason error) {
			if reason != nil {
				log.Printf("[main] dropped %s: %v", peerID, reason)
				return
			}
			log.Printf("[main] %s left", peerID)
		},
	}
}
