package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/analyst/internal/models"
)

type memFeed struct {
	broker *LocalBroker
	mu     sync.Mutex
	msgs   map[string][]models.Message
}

func (f *memFeed) SubscribeProjects(ctx context.Context, fn func([]models.Project)) (*Subscription, error) {
	return Watch(ctx, f.broker, ProjectsTopic, func(context.Context) ([]models.Project, error) {
		return []models.Project{{ID: "p1", Name: "Bikes"}}, nil
	}, fn, zerolog.Nop()), nil
}

func (f *memFeed) SubscribeMessages(ctx context.Context, projectID string, fn func([]models.Message)) (*Subscription, error) {
	if projectID == "broken" {
		return nil, errors.New("no such project")
	}
	return Watch(ctx, f.broker, MessagesTopic(projectID), func(context.Context) ([]models.Message, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return append([]models.Message(nil), f.msgs[projectID]...), nil
	}, fn, zerolog.Nop()), nil
}

func (f *memFeed) add(projectID string, m models.Message) {
	f.mu.Lock()
	f.msgs[projectID] = append(f.msgs[projectID], m)
	f.mu.Unlock()
	f.broker.Publish(context.Background(), MessagesTopic(projectID))
}

func startWS(t *testing.T, feed Feed, opts ...WSOption) string {
	t.Helper()
	mux := http.NewServeMux()
	NewWSServer(feed, zerolog.Nop(), opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWS_ProjectsSnapshot(t *testing.T) {
	feed := &memFeed{broker: NewLocalBroker(), msgs: map[string][]models.Message{}}
	url := startWS(t, feed)

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/projects", nil)
	require.NoError(t, err)
	defer conn.Close()

	f := readFrame(t, conn)
	assert.Equal(t, "projects", f.Type)
	require.Len(t, f.Projects, 1)
	assert.Equal(t, "Bikes", f.Projects[0].Name)
}

func TestWS_MessagesStreamInOrder(t *testing.T) {
	feed := &memFeed{broker: NewLocalBroker(), msgs: map[string][]models.Message{}}
	url := startWS(t, feed)

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/projects/p1/messages", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, "messages", first.Type)
	assert.Equal(t, "p1", first.ProjectID)
	assert.Empty(t, first.Messages)

	feed.add("p1", models.Message{ID: "m1", Seq: 1, Role: models.RoleUser})
	feed.add("p1", models.Message{ID: "m2", Seq: 2, Role: models.RoleModel})

	// Snapshots may coalesce; the stream must converge on both messages in seq order.
	var f Frame
	for len(f.Messages) < 2 {
		f = readFrame(t, conn)
	}
	assert.Equal(t, "m1", f.Messages[0].ID)
	assert.Equal(t, "m2", f.Messages[1].ID)
}

func TestWS_SubscribeFailureClosesConnection(t *testing.T) {
	feed := &memFeed{broker: NewLocalBroker(), msgs: map[string][]models.Message{}}
	url := startWS(t, feed)

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/projects/broken/messages", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
}

func TestWS_AuthRejects(t *testing.T) {
	feed := &memFeed{broker: NewLocalBroker(), msgs: map[string][]models.Message{}}
	url := startWS(t, feed, WithAuth(func(*http.Request) error { return errors.New("no token") }))

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/projects", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_OriginCheck(t *testing.T) {
	feed := &memFeed{broker: NewLocalBroker(), msgs: map[string][]models.Message{}}
	url := startWS(t, feed, WithOrigins([]string{"https://app.example"}))

	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/projects", hdr)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr.Set("Origin", "https://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/projects", hdr)
	require.NoError(t, err)
	conn.Close()
}
