package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/artifacts"
	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/models"
	"github.com/p-blackswan/analyst/internal/settings"
)

type handlers struct {
	deps   Deps
	logger zerolog.Logger
}

func newHandlers(deps Deps, logger zerolog.Logger) *handlers {
	return &handlers{deps: deps, logger: logger}
}

// parseBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func parseBody(c *fiber.Ctx, v any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return fmt.Errorf("%w: failed to parse request body: %v", perrors.ErrInvalidInput, err)
	}
	return nil
}

// --- Projects ---

// CreateProject handles POST /api/v1/projects.
func (h *handlers) CreateProject(c *fiber.Ctx) error {
	var in models.ProjectInput
	if err := c.BodyParser(&in); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			fmt.Sprintf("Failed to parse request body: %v", err))
	}
	p, err := h.deps.Projects.CreateProject(c.UserContext(), in)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// ListProjects handles GET /api/v1/projects.
func (h *handlers) ListProjects(c *fiber.Ctx) error {
	list, err := h.deps.Projects.ListProjects(c.UserContext())
	if err != nil {
		return errorResponse(c, err)
	}
	if list == nil {
		list = []models.Project{}
	}
	return c.JSON(ProjectListResponse{Projects: list, Total: len(list)})
}

// GetProject handles GET /api/v1/projects/:id.
func (h *handlers) GetProject(c *fiber.Ctx) error {
	p, err := h.deps.Projects.GetProject(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(p)
}

// UpdateProject handles PATCH /api/v1/projects/:id.
func (h *handlers) UpdateProject(c *fiber.Ctx) error {
	var patch models.ProjectPatch
	if err := c.BodyParser(&patch); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			fmt.Sprintf("Failed to parse request body: %v", err))
	}
	p, err := h.deps.Projects.UpdateProject(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(p)
}

// DeleteProject handles DELETE /api/v1/projects/:id.
func (h *handlers) DeleteProject(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.deps.Projects.DeleteProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	h.deps.Chats.Forget(id)
	return c.SendStatus(fiber.StatusNoContent)
}

// DuplicateProject handles POST /api/v1/projects/:id/duplicate.
func (h *handlers) DuplicateProject(c *fiber.Ctx) error {
	var req DuplicateRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	p, err := h.deps.Projects.DuplicateProject(c.UserContext(), c.Params("id"), req.Name)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

// ReplaceData handles PUT /api/v1/projects/:id/data.
func (h *handlers) ReplaceData(c *fiber.Ctx) error {
	var data models.ProjectData
	if err := c.BodyParser(&data); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			fmt.Sprintf("Failed to parse request body: %v", err))
	}
	p, err := h.deps.Projects.ReplaceData(c.UserContext(), c.Params("id"), data)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(p)
}

// ListMessages handles GET /api/v1/projects/:id/messages.
func (h *handlers) ListMessages(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.deps.Projects.GetProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	msgs, err := h.deps.Projects.ListMessages(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.JSON(MessageListResponse{Messages: msgs, Total: len(msgs)})
}

// TogglePerspective handles POST /api/v1/projects/:id/perspective.
func (h *handlers) TogglePerspective(c *fiber.Ctx) error {
	var req PerspectiveRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	id := c.Params("id")
	next := req.Perspective
	if next == "" {
		p, err := h.deps.Projects.GetProject(c.UserContext(), id)
		if err != nil {
			return errorResponse(c, err)
		}
		next = p.Perspective.Toggle()
	}
	p, err := h.deps.Projects.UpdateProject(c.UserContext(), id, models.ProjectPatch{Perspective: &next})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(p)
}

// --- Chat ---

// ChatState handles GET /api/v1/projects/:id/chat.
func (h *handlers) ChatState(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.deps.Projects.GetProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.deps.Chats.Get(id).Snapshot())
}

// SubmitChat handles POST /api/v1/projects/:id/chat.
func (h *handlers) SubmitChat(c *fiber.Ctx) error {
	var req SubmitChatRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			fmt.Sprintf("Failed to parse request body: %v", err))
	}
	att, err := req.Attachment.File()
	if err != nil {
		return errorResponse(c, err)
	}
	id := c.Params("id")
	if _, err := h.deps.Projects.GetProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}

	ctrl := h.deps.Chats.Get(id)
	if err := ctrl.Submit(req.Text, att); err != nil {
		return errorResponse(c, err)
	}
	h.logger.Info().
		Str("project_id", id).
		Str("request_id", requestID(c)).
		Bool("attachment", att != nil).
		Msg("chat turn accepted")
	return c.Status(fiber.StatusAccepted).JSON(ctrl.Snapshot())
}

// StopChat handles POST /api/v1/projects/:id/chat/stop.
func (h *handlers) StopChat(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.deps.Projects.GetProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	ctrl := h.deps.Chats.Get(id)
	ctrl.Stop()
	return c.JSON(ctrl.Snapshot())
}

// SetChatInput handles PUT /api/v1/projects/:id/chat/input.
func (h *handlers) SetChatInput(c *fiber.Ctx) error {
	var req ChatInputRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	id := c.Params("id")
	if _, err := h.deps.Projects.GetProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	ctrl := h.deps.Chats.Get(id)
	if err := ctrl.SetInput(req.Input); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(ctrl.Snapshot())
}

// SupplyCredential handles POST /api/v1/projects/:id/chat/credential.
func (h *handlers) SupplyCredential(c *fiber.Ctx) error {
	var req CredentialRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			fmt.Sprintf("Failed to parse request body: %v", err))
	}
	id := c.Params("id")
	if _, err := h.deps.Projects.GetProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	ctrl := h.deps.Chats.Get(id)
	if err := ctrl.SupplyCredential(req.APIKey, req.Save); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(ctrl.Snapshot())
}

// DismissCredential handles DELETE /api/v1/projects/:id/chat/credential.
func (h *handlers) DismissCredential(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.deps.Projects.GetProject(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	ctrl := h.deps.Chats.Get(id)
	ctrl.DismissCredential()
	return c.JSON(ctrl.Snapshot())
}

// --- Artifacts ---

func (h *handlers) artifact(c *fiber.Ctx, kind string, run func(id, key string) (*models.Project, error)) error {
	var req ArtifactRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	id := c.Params("id")
	p, err := run(id, req.APIKey)
	if err != nil {
		h.logger.Warn().Err(err).Str("project_id", id).Str("artifact", kind).Msg("artifact generation failed")
		return errorResponse(c, err)
	}
	return c.JSON(p)
}

// Report handles POST /api/v1/projects/:id/report.
func (h *handlers) Report(c *fiber.Ctx) error {
	return h.artifact(c, "report", func(id, key string) (*models.Project, error) {
		return h.deps.Artifacts.Report(c.UserContext(), id, key)
	})
}

// Podcast handles POST /api/v1/projects/:id/podcast.
func (h *handlers) Podcast(c *fiber.Ctx) error {
	return h.artifact(c, "podcast", func(id, key string) (*models.Project, error) {
		return h.deps.Artifacts.Podcast(c.UserContext(), id, key)
	})
}

// Video handles POST /api/v1/projects/:id/video.
func (h *handlers) Video(c *fiber.Ctx) error {
	return h.artifact(c, "video", func(id, key string) (*models.Project, error) {
		return h.deps.Artifacts.Video(c.UserContext(), id, key)
	})
}

// Charts handles GET /api/v1/projects/:id/charts.
func (h *handlers) Charts(c *fiber.Ctx) error {
	p, err := h.deps.Projects.GetProject(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(artifacts.BuildCharts(p.Data))
}

// --- Settings ---

// GetSettings handles GET /api/v1/settings.
func (h *handlers) GetSettings(c *fiber.Ctx) error {
	return c.JSON(h.deps.Settings.Get().View())
}

// PatchSettings handles PATCH /api/v1/settings.
func (h *handlers) PatchSettings(c *fiber.Ctx) error {
	var patch settings.Patch
	if err := c.BodyParser(&patch); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			fmt.Sprintf("Failed to parse request body: %v", err))
	}
	s, err := h.deps.Settings.Update(patch)
	if err != nil {
		return errorResponse(c, err)
	}
	h.logger.Info().Str("request_id", requestID(c)).Msg("settings updated")
	return c.JSON(s.View())
}

// VerifySettings handles POST /api/v1/settings/verify. Without a key in the
// body the configured credential is checked.
func (h *handlers) VerifySettings(c *fiber.Ctx) error {
	var req VerifyRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	key, err := llm.ResolveAPIKey(req.APIKey, h.deps.Settings.StoredAPIKey(), h.deps.EnvAPIKey)
	if err != nil {
		return errorResponse(c, fmt.Errorf("%w: no API key to verify", perrors.ErrInvalidInput))
	}
	if h.deps.Verifier == nil {
		return errorResponse(c, fmt.Errorf("%w: no model client configured", perrors.ErrUnavailable))
	}
	if err := settings.VerifyKey(c.UserContext(), h.deps.Verifier, key); err != nil {
		if errors.Is(err, perrors.ErrInvalidInput) {
			return errorResponse(c, err)
		}
		h.logger.Info().Str("key", llm.MaskKey(key)).Msg("credential check failed")
		return c.JSON(VerifyResponse{Valid: false, Error: err.Error()})
	}
	return c.JSON(VerifyResponse{Valid: true})
}
