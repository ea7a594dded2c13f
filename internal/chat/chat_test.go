package chat

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom_live/native/internal/auth"
	"classroom_live/native/internal/domain"
	"classroom_live/native/internal/relay"
	"classroom_live/native/internal/signal"
)

const secret = "chat-test-secret"

type member struct {
	client   *Client
	messages chan Message
	states   chan signal.State
}

func join(t *testing.T, srv *httptest.Server, userID string) *member {
	t.Helper()
	token, err := auth.Issue(secret, userID, time.Hour)
	require.NoError(t, err)

	m := &member{messages: make(chan Message, 16), states: make(chan signal.State, 16)}
	m.client = New(Options{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/course",
		CourseID:  "c1",
		Token:     token,
		OnMessage: func(msg Message) { m.messages <- msg },
		OnState:   func(s signal.State) { m.states <- s },
	})
	require.NoError(t, m.client.Connect(context.Background()))
	t.Cleanup(m.client.Close)

	select {
	case s := <-m.states:
		require.Equal(t, signal.StateAuthenticated, s)
	case <-time.After(5 * time.Second):
		t.Fatal("course channel never connected")
	}
	return m
}

func next(t *testing.T, m *member) Message {
	t.Helper()
	select {
	case msg := <-m.messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestCourseChat(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(relay.NewRouter(relay.NewHub(relay.HubOptions{Secret: secret})))
	defer srv.Close()

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")

	require.NoError(t, alice.client.Send("general", "  welcome  ", ""))
	for _, m := range []*member{alice, bob} {
		msg := next(t, m)
		assert.Equal(t, domain.TypeMessageSend, msg.Type)
		assert.Equal(t, "general", msg.ChannelID)
		assert.Equal(t, "welcome", msg.Content)
		assert.Equal(t, "alice", msg.UserID)
		assert.NotEmpty(t, msg.Timestamp)
	}

	bob.client.Typing("general")
	msg := next(t, alice)
	assert.Equal(t, domain.TypeMessageTyping, msg.Type)
	assert.Equal(t, "bob", msg.UserID)

	require.NoError(t, bob.client.React("general", "m1", ":tada:"))
	msg = next(t, alice)
	assert.Equal(t, domain.TypeMessageReaction, msg.Type)
	assert.Equal(t, "m1", msg.ParentMessageID)
	assert.Equal(t, ":tada:", msg.Emoji)
}

func TestSendValidation(t *testing.T) {
	c := New(Options{URL: "ws://relay.invalid/ws/course", CourseID: "c1"})
	assert.ErrorIs(t, c.Send("general", "   ", ""), ErrEmptyMessage)
	assert.Error(t, c.React("general", "", ":+1:"))
}
