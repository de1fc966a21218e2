// Package artifacts renders derived outputs from a project's structured
// data: an executive report, a podcast script and a concept video.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/blob"
	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/models"
)

// Fallback texts stored when the model returns nothing.
const (
	ReportFallback  = "Failed to generate report."
	PodcastFallback = "Script generation failed."
)

// VideoPromptLabel is recorded as the prompt of generated videos.
const VideoPromptLabel = "Business Concept Visualization"

// Gateway is the persistence the service needs.
type Gateway interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ReplaceData(ctx context.Context, id string, data models.ProjectData) (*models.Project, error)
}

// KeyResolver turns an optional per-call override into the credential to
// use.
type KeyResolver func(override string) (string, error)

// Config selects models and video parameters.
type Config struct {
	TextModel         string
	VideoModel        string
	VideoResolution   string
	VideoAspectRatio  string
	VideoPollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.TextModel == "" {
		c.TextModel = "gemini-2.5-flash"
	}
	if c.VideoModel == "" {
		c.VideoModel = "veo-3.1-fast-generate-preview"
	}
	if c.VideoResolution == "" {
		c.VideoResolution = "720p"
	}
	if c.VideoAspectRatio == "" {
		c.VideoAspectRatio = "16:9"
	}
	if c.VideoPollInterval <= 0 {
		c.VideoPollInterval = 5 * time.Second
	}
}

// Service generates artifacts.
type Service struct {
	gw      Gateway
	gen     llm.Generator
	video   llm.VideoGenerator
	objects blob.ObjectStore
	resolve KeyResolver
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates the service. video and objects may be nil, which disables
// Video.
func New(gw Gateway, gen llm.Generator, video llm.VideoGenerator, objects blob.ObjectStore, resolve KeyResolver, cfg Config, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		gw:      gw,
		gen:     gen,
		video:   video,
		objects: objects,
		resolve: resolve,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With().Str("component", "artifacts").Logger(),
	}
}

// Report generates the executive summary and stores it on the project.
func (s *Service) Report(ctx context.Context, projectID, keyOverride string) (*models.Project, error) {
	text, err := s.generateText(ctx, projectID, keyOverride,
		"Generate a professional, data-driven Executive Summary Report in Markdown format based on:\n%s", ReportFallback)
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}
	return s.update(ctx, projectID, func(d *models.ProjectData) { d.ExecutiveSummary = text })
}

// Podcast generates a podcast script and stores it on the project.
func (s *Service) Podcast(ctx context.Context, projectID, keyOverride string) (*models.Project, error) {
	text, err := s.generateText(ctx, projectID, keyOverride,
		"Create a podcast script about this business data: %s", PodcastFallback)
	if err != nil {
		return nil, fmt.Errorf("generating podcast script: %w", err)
	}
	return s.update(ctx, projectID, func(d *models.ProjectData) { d.PodcastScript = text })
}

func (s *Service) generateText(ctx context.Context, projectID, keyOverride, format, fallback string) (string, error) {
	p, err := s.gw.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	key, err := s.resolve(keyOverride)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(businessData(p.Data))
	if err != nil {
		return "", fmt.Errorf("encoding project data: %w", err)
	}

	resp, err := s.gen.Generate(ctx, llm.Request{
		Model:    s.cfg.TextModel,
		Contents: []llm.Turn{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart(fmt.Sprintf(format, payload))}}},
		APIKey:   key,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return fallback, nil
	}
	return resp.Text, nil
}

// VideoPrompt builds the concept video prompt.
func VideoPrompt(d models.ProjectData) string {
	return fmt.Sprintf("Cinematic, high-quality, photorealistic video concept for a business: %s. \nTarget audience: %s.",
		d.ValueProposition, strings.Join(d.CustomerSegments, ", "))
}

// Video generates a concept video, archives it in the object store and
// appends it to the project's media. It blocks until the provider
// operation completes or ctx ends.
func (s *Service) Video(ctx context.Context, projectID, keyOverride string) (*models.Project, error) {
	if s.video == nil || s.objects == nil {
		return nil, fmt.Errorf("%w: video generation needs blob storage", perrors.ErrUnavailable)
	}
	p, err := s.gw.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Data.ValueProposition) == "" {
		return nil, fmt.Errorf("%w: project has no value proposition yet", perrors.ErrInvalidInput)
	}
	key, err := s.resolve(keyOverride)
	if err != nil {
		return nil, err
	}

	log := s.logger.With().Str("project_id", projectID).Logger()
	log.Info().Str("model", s.cfg.VideoModel).Msg("video generation started")
	uri, err := s.video.GenerateVideo(ctx, llm.VideoRequest{
		Model:        s.cfg.VideoModel,
		Prompt:       VideoPrompt(p.Data),
		Resolution:   s.cfg.VideoResolution,
		AspectRatio:  s.cfg.VideoAspectRatio,
		APIKey:       key,
		PollInterval: s.cfg.VideoPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("generating video: %w", err)
	}

	body, contentType, err := s.video.Download(ctx, uri, key)
	if err != nil {
		return nil, fmt.Errorf("downloading video: %w", err)
	}
	defer body.Close()
	if contentType == "" {
		contentType = "video/mp4"
	}

	mediaID := uuid.NewString()
	objectKey := fmt.Sprintf("projects/%s/media/%s.mp4", projectID, mediaID)
	if err := s.objects.Put(ctx, objectKey, body, -1, contentType, map[string]string{"project-id": projectID}); err != nil {
		return nil, fmt.Errorf("archiving video: %w", err)
	}
	url, err := s.objects.URL(ctx, objectKey)
	if err != nil {
		return nil, fmt.Errorf("archiving video: %w", err)
	}
	log.Info().Str("key", objectKey).Msg("video archived")

	media := models.GeneratedMedia{
		ID:         mediaID,
		Type:       models.MediaVideo,
		URL:        url,
		PromptUsed: VideoPromptLabel,
		CreatedAt:  s.now().UnixMilli(),
	}
	return s.update(ctx, projectID, func(d *models.ProjectData) {
		d.GeneratedMedia = append(d.GeneratedMedia, media)
	})
}

// update applies fn to the latest stored data and replaces it wholesale.
func (s *Service) update(ctx context.Context, projectID string, fn func(*models.ProjectData)) (*models.Project, error) {
	latest, err := s.gw.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	data := latest.Data.Clone()
	fn(&data)
	return s.gw.ReplaceData(ctx, projectID, data)
}

func businessData(d models.ProjectData) models.ProjectData {
	d.ExecutiveSummary = ""
	d.GeneratedMedia = nil
	d.PodcastScript = ""
	return d
}
