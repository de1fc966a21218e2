// Package gateway is the persistence facade used by the chat pipeline:
// project and message CRUD, snapshot subscriptions, and blob uploads.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/blob"
	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/models"
	"github.com/p-blackswan/analyst/internal/realtime"
	"github.com/p-blackswan/analyst/internal/store"
)

// Uploader stores project files.
type Uploader interface {
	Upload(ctx context.Context, projectID string, f blob.File) (*blob.Uploaded, error)
}

// Gauge tracks live subscriptions. prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// Gateway wraps the store with change notifications.
type Gateway struct {
	store    *store.Store
	broker   realtime.Broker
	uploader Uploader
	subs     Gauge
	logger   zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithUploader enables Upload.
func WithUploader(u Uploader) Option {
	return func(g *Gateway) { g.uploader = u }
}

// WithSubscriptionGauge records live subscription counts.
func WithSubscriptionGauge(gauge Gauge) Option {
	return func(g *Gateway) { g.subs = gauge }
}

// New creates a Gateway.
func New(s *store.Store, broker realtime.Broker, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:  s,
		broker: broker,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) publish(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		if err := g.broker.Publish(context.WithoutCancel(ctx), topic); err != nil {
			g.logger.Warn().Err(err).Str("topic", topic).Msg("change notification failed")
		}
	}
}

// --- Projects ---

// CreateProject creates a Draft project and returns it.
func (g *Gateway) CreateProject(ctx context.Context, in models.ProjectInput) (*models.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", perrors.ErrInvalidInput)
	}
	if in.Perspective != "" && !in.Perspective.Valid() {
		return nil, fmt.Errorf("%w: unknown perspective %q", perrors.ErrInvalidInput, in.Perspective)
	}
	p := &models.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: in.Description,
		Status:      models.StatusDraft,
		Perspective: in.Perspective.OrDefault(),
		Data:        models.EmptyProjectData(),
	}
	if in.Data != nil {
		p.Data = in.Data.Normalize()
	}
	if err := g.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	g.publish(ctx, realtime.ProjectsTopic)
	g.logger.Info().Str("project_id", p.ID).Msg("project created")
	return p, nil
}

// GetProject returns the project, or an error wrapping perrors.ErrNotFound
// when it is absent.
func (g *Gateway) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return g.store.GetProject(ctx, id)
}

// ListProjects returns projects, most recently updated first.
func (g *Gateway) ListProjects(ctx context.Context) ([]models.Project, error) {
	return g.store.ListProjects(ctx)
}

// UpdateProject applies a partial update.
func (g *Gateway) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	if patch.Empty() {
		return g.store.GetProject(ctx, id)
	}
	p, err := g.store.UpdateProject(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, realtime.ProjectsTopic)
	return p, nil
}

// ReplaceData swaps the project's structured data wholesale.
func (g *Gateway) ReplaceData(ctx context.Context, id string, data models.ProjectData) (*models.Project, error) {
	return g.UpdateProject(ctx, id, models.ProjectPatch{Data: &data})
}

// DeleteProject removes a project and its messages.
func (g *Gateway) DeleteProject(ctx context.Context, id string) error {
	if err := g.store.DeleteProject(ctx, id); err != nil {
		return err
	}
	g.publish(ctx, realtime.ProjectsTopic, realtime.MessagesTopic(id))
	g.logger.Info().Str("project_id", id).Msg("project deleted")
	return nil
}

// DuplicateProject copies every field except identity and timestamps into a
// new Draft project named newName. Messages are not copied.
func (g *Gateway) DuplicateProject(ctx context.Context, id, newName string) (*models.Project, error) {
	src, err := g.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(newName)
	if name == "" {
		name = src.Name + " (Copy)"
	}
	dup := src.Clone()
	dup.ID = uuid.NewString()
	dup.Name = name
	dup.Status = models.StatusDraft
	dup.CreatedAt = 0
	dup.UpdatedAt = 0
	if err := g.store.CreateProject(ctx, &dup); err != nil {
		return nil, err
	}
	g.publish(ctx, realtime.ProjectsTopic)
	g.logger.Info().Str("project_id", dup.ID).Str("source_id", id).Msg("project duplicated")
	return &dup, nil
}

// --- Messages ---

// CreateMessage appends a message to the project.
func (g *Gateway) CreateMessage(ctx context.Context, projectID string, in models.MessageInput) (*models.Message, error) {
	m, err := g.store.CreateMessage(ctx, projectID, in)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, realtime.MessagesTopic(projectID))
	return m, nil
}

// ListMessages returns the project's messages in order.
func (g *Gateway) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	return g.store.ListMessages(ctx, projectID)
}

// UpdateMessage applies a partial update to a message.
func (g *Gateway) UpdateMessage(ctx context.Context, projectID, messageID string, patch models.MessagePatch) (*models.Message, error) {
	if patch.Empty() {
		return g.store.GetMessage(ctx, projectID, messageID)
	}
	m, err := g.store.UpdateMessage(ctx, projectID, messageID, patch)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, realtime.MessagesTopic(projectID))
	return m, nil
}

// --- Subscriptions ---

// SubscribeProjects streams the project list (updatedAt desc) to fn until
// the returned subscription is closed or ctx ends.
func (g *Gateway) SubscribeProjects(ctx context.Context, fn func([]models.Project)) (*realtime.Subscription, error) {
	sub := realtime.Watch(ctx, g.broker, realtime.ProjectsTopic, g.store.ListProjects, fn, g.logger)
	g.track(sub)
	return sub, nil
}

// SubscribeMessages streams a project's messages (sequence order) to fn.
func (g *Gateway) SubscribeMessages(ctx context.Context, projectID string, fn func([]models.Message)) (*realtime.Subscription, error) {
	if _, err := g.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	load := func(ctx context.Context) ([]models.Message, error) {
		return g.store.ListMessages(ctx, projectID)
	}
	sub := realtime.Watch(ctx, g.broker, realtime.MessagesTopic(projectID), load, fn, g.logger)
	g.track(sub)
	return sub, nil
}

func (g *Gateway) track(sub *realtime.Subscription) {
	if g.subs == nil {
		return
	}
	g.subs.Inc()
	go func() {
		<-sub.Done()
		g.subs.Dec()
	}()
}

// --- Blobs ---

// Upload stores a file for the project. Errors wrap perrors.ErrAuthFailure,
// perrors.ErrTimeout or perrors.ErrStorage.
func (g *Gateway) Upload(ctx context.Context, projectID string, f blob.File) (*blob.Uploaded, error) {
	if g.uploader == nil {
		return nil, fmt.Errorf("%w: blob storage is not configured", perrors.ErrStorage)
	}
	return g.uploader.Upload(ctx, projectID, f)
}

// Ping checks the database.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}
