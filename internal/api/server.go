package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/artifacts"
	"github.com/p-blackswan/analyst/internal/chat"
	"github.com/p-blackswan/analyst/internal/identity"
	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/models"
	"github.com/p-blackswan/analyst/internal/requestid"
	"github.com/p-blackswan/analyst/internal/settings"
)

// Projects is the persistence the API exposes.
type Projects interface {
	CreateProject(ctx context.Context, in models.ProjectInput) (*models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error)
	ReplaceData(ctx context.Context, id string, data models.ProjectData) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	DuplicateProject(ctx context.Context, id, newName string) (*models.Project, error)
	ListMessages(ctx context.Context, projectID string) ([]models.Message, error)
}

// Chats hands out per-project chat controllers.
type Chats interface {
	Get(projectID string) *chat.Controller
	Forget(projectID string)
}

// Settings is the user settings store.
type Settings interface {
	Get() settings.Settings
	StoredAPIKey() string
	Update(p settings.Patch) (settings.Settings, error)
}

// Artifacts generates derived documents and media.
type Artifacts interface {
	Report(ctx context.Context, projectID, keyOverride string) (*models.Project, error)
	Podcast(ctx context.Context, projectID, keyOverride string) (*models.Project, error)
	Video(ctx context.Context, projectID, keyOverride string) (*models.Project, error)
}

// RequestRecorder receives per-route request metrics.
type RequestRecorder interface {
	RecordRequest(route, status string, seconds float64)
}

// Deps are the services behind the handlers.
type Deps struct {
	Projects  Projects
	Chats     Chats
	Settings  Settings
	Artifacts Artifacts
	// Verifier runs the credential check for POST /settings/verify.
	Verifier  llm.Generator
	// EnvAPIKey is the environment default credential.
	EnvAPIKey string
	Recorder  RequestRecorder
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins []string
	// BodyLimit caps request bodies; base64 attachments need headroom
	// over the attachment limit.
	BodyLimit   int
}

// Server is the API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
	cancel context.CancelFunc
}

// NewServer creates and configures a new API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 16 << 20
	}
	logger = logger.With().Str("component", "api").Logger()
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             cfg.BodyLimit,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:    app,
		logger: logger,
		config: cfg,
		cancel: cancel,
	}

	s.setupMiddleware(ctx, cfg, deps.Recorder)
	s.setupRoutes(newHandlers(deps, logger), cfg.Auth.Issuer)
	return s
}

func (s *Server) setupMiddleware(ctx context.Context, cfg ServerConfig, rec RequestRecorder) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		id := c.Get(requestid.Header)
		if id == "" {
			_, id = requestid.New(c.Context())
		}
		c.Set(requestid.Header, id)
		c.Locals("request_id", id)
		return c.Next()
	})

	if len(cfg.CORSOrigins) > 0 {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.CORSOrigins, ","),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(ctx, cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.Auth, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		route := c.Route().Path
		if rec != nil {
			rec.RecordRequest(c.Method()+" "+route, strconv.Itoa(status), time.Since(start).Seconds())
		}
		s.logger.Debug().
			Str("method", c.Method()).
			Str("route", route).
			Int("status", status).
			Str("request_id", requestID(c)).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
		return err
	})
}

func (s *Server) setupRoutes(h *handlers, issuer *identity.Issuer) {
	v1 := s.app.Group("/api/v1")

	v1.Post("/auth/anonymous", func(c *fiber.Ctx) error {
		if issuer == nil {
			return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found",
				"anonymous sign-in is not enabled")
		}
		id, err := issuer.Issue()
		if err != nil {
			return errorResponse(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(id)
	})

	v1.Post("/projects", h.CreateProject)
	v1.Get("/projects", h.ListProjects)
	v1.Get("/projects/:id", h.GetProject)
	v1.Patch("/projects/:id", h.UpdateProject)
	v1.Delete("/projects/:id", h.DeleteProject)
	v1.Post("/projects/:id/duplicate", h.DuplicateProject)
	v1.Put("/projects/:id/data", h.ReplaceData)
	v1.Get("/projects/:id/messages", h.ListMessages)
	v1.Post("/projects/:id/perspective", h.TogglePerspective)

	v1.Get("/projects/:id/chat", h.ChatState)
	v1.Post("/projects/:id/chat", h.SubmitChat)
	v1.Post("/projects/:id/chat/stop", h.StopChat)
	v1.Put("/projects/:id/chat/input", h.SetChatInput)
	v1.Post("/projects/:id/chat/credential", h.SupplyCredential)
	v1.Delete("/projects/:id/chat/credential", h.DismissCredential)

	v1.Post("/projects/:id/report", h.Report)
	v1.Post("/projects/:id/podcast", h.Podcast)
	v1.Post("/projects/:id/video", h.Video)
	v1.Get("/projects/:id/charts", h.Charts)

	v1.Get("/settings", h.GetSettings)
	v1.Patch("/settings", h.PatchSettings)
	v1.Post("/settings/verify", h.VerifySettings)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func requestID(c *fiber.Ctx) string {
	id, _ := c.Locals("request_id").(string)
	return id
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		title := "Internal Server Error"
		detail := "An internal error occurred"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			title = fe.Message
			detail = fe.Message
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
		}
		return problemResponse(c, code, "http_error", title, detail)
	}
}

var _ Artifacts = (*artifacts.Service)(nil)
