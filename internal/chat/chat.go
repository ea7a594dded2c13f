// Package chat is the course-wide team chat: a signaling channel scoped to
// a course carrying message.* frames.
package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/logging"
	"classroom_live/native/internal/signal"
)

var log = logging.For("chat")

var ErrEmptyMessage = errors.New("message is empty")

// Message is one inbound message.* frame.
type Message struct {
	Type            string
	ChannelID       string
	UserID          string
	Content         string
	ParentMessageID string
	Emoji           string
	Timestamp       string
}

// Options configures a Client. OnMessage and OnState run on the channel's
// read goroutine.
type Options struct {
	URL      string
	CourseID string
	Token    string

	Dial      signal.DialFunc
	OnMessage func(Message)
	OnState   func(signal.State)
}

// Client is a course chat connection.
type Client struct {
	opts Options
	ch   *signal.Client
}

func New(opts Options) *Client {
	c := &Client{opts: opts}
	router := signal.NewRouter()
	c.ch = signal.NewClient(signal.Options{
		URL:       opts.URL,
		SessionID: opts.CourseID,
		Token:     opts.Token,
		Dial:      opts.Dial,
	}, router)

	for _, t := range []string{domain.TypeMessageSend, domain.TypeMessageTyping, domain.TypeMessageReaction} {
		router.On(t, c.receive)
	}
	for _, t := range []string{signal.EventConnected, signal.EventDisconnected, signal.EventReconnecting, signal.EventError} {
		router.On(t, func(ev signal.Event) {
			if ev.Type == signal.EventError && ev.State != signal.StateFailed {
				return
			}
			if c.opts.OnState != nil {
				c.opts.OnState(ev.State)
			}
		})
	}
	return c
}

// Connect opens the course channel in the background.
func (c *Client) Connect(ctx context.Context) error {
	log.Infof("joining course %s", c.opts.CourseID)
	return c.ch.Connect(ctx)
}

// State returns the channel state.
func (c *Client) State() signal.State { return c.ch.State() }

// Send posts content to a channel, as a reply when parentID is set.
func (c *Client) Send(channelID, content, parentID string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	c.ch.Send(domain.MessageSend(channelID, content, parentID))
	return nil
}

// Typing announces that the user is typing in channelID.
func (c *Client) Typing(channelID string) {
	c.ch.Send(domain.MessageTyping(channelID))
}

// React adds emoji to a message.
func (c *Client) React(channelID, messageID, emoji string) error {
	if messageID == "" || emoji == "" {
		return errors.New("message id and emoji are required")
	}
	c.ch.Send(domain.MessageReaction(channelID, messageID, emoji))
	return nil
}

// Close disconnects. It is safe to call more than once.
func (c *Client) Close() {
	c.ch.Disconnect()
}

func (c *Client) receive(ev signal.Event) {
	if c.opts.OnMessage == nil {
		return
	}
	f := ev.Frame
	c.opts.OnMessage(Message{
		Type:            f.Type,
		ChannelID:       f.ChannelID,
		UserID:          f.UserID,
		Content:         f.Content,
		ParentMessageID: f.ParentMessageID,
		Emoji:           f.Emoji,
		Timestamp:       f.Timestamp,
	})
}
