package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/analyst/internal/blob"
	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/identity"
	"github.com/p-blackswan/analyst/internal/models"
	"github.com/p-blackswan/analyst/internal/realtime"
	"github.com/p-blackswan/analyst/internal/store"
)

func newGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	s, err := store.NewSQLite(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	b := realtime.NewLocalBroker()
	t.Cleanup(func() { b.Close() })
	return New(s, b, zerolog.Nop(), opts...)
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) Inc() { c.mu.Lock(); c.n++; c.mu.Unlock() }
func (c *counter) Dec() { c.mu.Lock(); c.n--; c.mu.Unlock() }
func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestCreateProject_Defaults(t *testing.T) {
	g := newGateway(t)
	p, err := g.CreateProject(context.Background(), models.ProjectInput{Name: "  Coffee cart ", Description: "mobile coffee"})
	require.NoError(t, err)
	assert.Equal(t, "Coffee cart", p.Name)
	assert.Equal(t, models.StatusDraft, p.Status)
	assert.Equal(t, models.ThirdPerson, p.Perspective)
	assert.NotNil(t, p.Data.Stakeholders)
}

func TestCreateProject_Validation(t *testing.T) {
	g := newGateway(t)
	_, err := g.CreateProject(context.Background(), models.ProjectInput{Name: "   "})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
	_, err = g.CreateProject(context.Background(), models.ProjectInput{Name: "x", Perspective: "2nd_person"})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestGetProject_Absent(t *testing.T) {
	g := newGateway(t)
	_, err := g.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestDuplicateProject(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	data := models.ProjectData{ValueProposition: "fast", CustomerSegments: []string{"students"}}
	src, err := g.CreateProject(ctx, models.ProjectInput{Name: "Orig", Description: "d", Perspective: models.FirstPerson, Data: &data})
	require.NoError(t, err)
	status := models.StatusCompleted
	_, err = g.UpdateProject(ctx, src.ID, models.ProjectPatch{Status: &status})
	require.NoError(t, err)
	_, err = g.CreateMessage(ctx, src.ID, models.MessageInput{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)

	dup, err := g.DuplicateProject(ctx, src.ID, "Copy A")
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, "Copy A", dup.Name)
	assert.Equal(t, "d", dup.Description)
	assert.Equal(t, models.FirstPerson, dup.Perspective)
	assert.Equal(t, models.StatusDraft, dup.Status)
	assert.True(t, dup.Data.Equal(data))

	msgs, err := g.ListMessages(ctx, dup.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = g.DuplicateProject(ctx, "missing", "x")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestDeleteProject(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	p, err := g.CreateProject(ctx, models.ProjectInput{Name: "gone"})
	require.NoError(t, err)
	require.NoError(t, g.DeleteProject(ctx, p.ID))
	_, err = g.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestSubscribeProjects_StreamsOrderedSnapshots(t *testing.T) {
	gauge := &counter{}
	g := newGateway(t, WithSubscriptionGauge(gauge))
	ctx := context.Background()

	var mu sync.Mutex
	var last []models.Project
	sub, err := g.SubscribeProjects(ctx, func(ps []models.Project) {
		mu.Lock()
		last = ps
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, gauge.get())

	a, err := g.CreateProject(ctx, models.ProjectInput{Name: "A"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := g.CreateProject(ctx, models.ProjectInput{Name: "B"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2 && last[0].ID == b.ID && last[1].ID == a.ID
	}, 2*time.Second, 5*time.Millisecond)

	sub.Close()
	require.Eventually(t, func() bool { return gauge.get() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeMessages(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	p, err := g.CreateProject(ctx, models.ProjectInput{Name: "P"})
	require.NoError(t, err)

	var mu sync.Mutex
	var last []models.Message
	sub, err := g.SubscribeMessages(ctx, p.ID, func(ms []models.Message) {
		mu.Lock()
		last = ms
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	m, err := g.CreateMessage(ctx, p.ID, models.MessageInput{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	content := "hello (edited)"
	_, err = g.UpdateMessage(ctx, p.ID, m.ID, models.MessagePatch{Content: &content})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].Content == content
	}, 2*time.Second, 5*time.Millisecond)

	_, err = g.SubscribeMessages(ctx, "missing", func([]models.Message) {})
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestUpload_NotConfigured(t *testing.T) {
	g := newGateway(t)
	_, err := g.Upload(context.Background(), "p", blob.File{Name: "a.txt"})
	assert.ErrorIs(t, err, perrors.ErrStorage)
}

func TestUpload_WaitsForIdentity(t *testing.T) {
	iss, err := identity.NewIssuer("s", time.Hour)
	require.NoError(t, err)
	session := identity.NewSession(iss)
	mem := blob.NewMemoryStore()
	up := blob.NewUploader(mem, session, blob.UploaderConfig{IdentityWait: 20 * time.Millisecond, Timeout: time.Second}, zerolog.Nop())
	g := newGateway(t, WithUploader(up))

	_, err = g.Upload(context.Background(), "p", blob.File{Name: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)

	_, err = session.SignIn(context.Background())
	require.NoError(t, err)
	res, err := g.Upload(context.Background(), "p", blob.File{Name: "a.txt", Data: []byte("x")})
	require.NoError(t, err)
	assert.Contains(t, res.URL, "projects/p/uploads/")
}
