package store

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createProject(t *testing.T, s *Store, name string) *models.Project {
	t.Helper()
	p := &models.Project{ID: uuid.NewString(), Name: name}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func TestNew_CreatesSchema(t *testing.T) {
	s := newTestStore(t)
	for _, table := range []string{"projects", "messages", "meta"} {
		var count int
		err := s.DB().Get(&count, "SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}
	v, err := s.schemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate(context.Background()))
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New("oracle", "x", zerolog.Nop())
	assert.Error(t, err)
}

func TestProject_CreateGetDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s, "Bike share")

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bike share", got.Name)
	assert.Equal(t, models.StatusDraft, got.Status)
	assert.Equal(t, models.ThirdPerson, got.Perspective)
	assert.NotNil(t, got.Data.CustomerSegments)
	assert.NotZero(t, got.UpdatedAt)
}

func TestProject_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProject(context.Background(), "nope")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestProject_ListOrderedByUpdatedDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := &models.Project{ID: "a", Name: "A", UpdatedAt: 100}
	b := &models.Project{ID: "b", Name: "B", UpdatedAt: 300}
	c := &models.Project{ID: "c", Name: "C", UpdatedAt: 200}
	for _, p := range []*models.Project{a, b, c} {
		require.NoError(t, s.CreateProject(ctx, p))
	}

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestProject_UpdatePatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s, "Old")

	name := "New"
	persp := models.FirstPerson
	data := models.ProjectData{CustomerSegments: []string{"students"}}
	got, err := s.UpdateProject(ctx, p.ID, models.ProjectPatch{Name: &name, Perspective: &persp, Data: &data})
	require.NoError(t, err)
	assert.Equal(t, "New", got.Name)
	assert.Greater(t, got.UpdatedAt, p.UpdatedAt)

	reloaded, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FirstPerson, reloaded.Perspective)
	assert.Equal(t, []string{"students"}, reloaded.Data.CustomerSegments)
	assert.Equal(t, p.Description, reloaded.Description)
}

func TestProject_UpdateRejectsUnknownStatus(t *testing.T) {
	s := newTestStore(t)
	p := createProject(t, s, "P")
	bad := models.ProjectStatus("Archived")
	_, err := s.UpdateProject(context.Background(), p.ID, models.ProjectPatch{Status: &bad})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestProject_DeleteCascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s, "P")
	_, err := s.CreateMessage(ctx, p.ID, models.MessageInput{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	msgs, err := s.ListMessages(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.ErrorIs(t, s.DeleteProject(ctx, p.ID), perrors.ErrNotFound)
}

func TestMessage_SequenceIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s, "P")

	user, err := s.CreateMessage(ctx, p.ID, models.MessageInput{Role: models.RoleUser, Content: "question"})
	require.NoError(t, err)
	reply, err := s.CreateMessage(ctx, p.ID, models.MessageInput{Role: models.RoleModel, Content: "answer"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.Seq)
	assert.Equal(t, int64(2), reply.Seq)

	other := createProject(t, s, "Other")
	first, err := s.CreateMessage(ctx, other.ID, models.MessageInput{Role: models.RoleUser, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq, "sequence is per project")
}

func TestMessage_ConcurrentCreatesGetDistinctSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s, "P")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateMessage(ctx, p.ID, models.MessageInput{Role: models.RoleUser, Content: "m"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestMessage_UnknownProject(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateMessage(context.Background(), "missing", models.MessageInput{Role: models.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestMessage_InvalidRole(t *testing.T) {
	s := newTestStore(t)
	p := createProject(t, s, "P")
	_, err := s.CreateMessage(context.Background(), p.ID, models.MessageInput{Role: "system"})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestMessage_UpdateAttachmentAndContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createProject(t, s, "P")
	m, err := s.CreateMessage(ctx, p.ID, models.MessageInput{Role: models.RoleUser, Content: "see file"})
	require.NoError(t, err)
	assert.Nil(t, m.Attachment)

	att := &models.Attachment{URL: "https://blob/x.png", Type: models.AttachmentImage, Name: "x.png", MIMEType: "image/png"}
	_, err = s.UpdateMessage(ctx, p.ID, m.ID, models.MessagePatch{Attachment: att})
	require.NoError(t, err)

	content := "see file (annotated)"
	_, err = s.UpdateMessage(ctx, p.ID, m.ID, models.MessagePatch{Content: &content})
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, p.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, "https://blob/x.png", got.Attachment.URL)
	assert.Equal(t, m.Seq, got.Seq)

	_, err = s.UpdateMessage(ctx, p.ID, "missing", models.MessagePatch{Content: &content})
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(assert.AnError), perrors.ErrStorage)
	assert.ErrorIs(t, classify(errLocked{}), perrors.ErrUnavailable)
	assert.True(t, perrors.IsRetryable(classify(errLocked{})))
}

type errLocked struct{}

func (errLocked) Error() string { return "database is locked (5) (SQLITE_BUSY)" }
