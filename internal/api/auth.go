package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/identity"
)

// Auth modes.
const (
	AuthNone      = "none"
	AuthAnonymous = "anonymous"
)

const anonymousPath = "/api/v1/auth/anonymous"

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string // "none" or "anonymous"
	Issuer *identity.Issuer
}

// NewAuthMiddleware returns a Fiber middleware that validates anonymous
// identity tokens.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Mode != AuthAnonymous {
			return c.Next()
		}

		path := c.Path()
		if path == anonymousPath || c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		uid, err := cfg.Issuer.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			logger.Warn().
				Str("path", path).
				Str("method", c.Method()).
				Msg("unauthorized request: invalid identity token")
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_token", "Unauthorized",
				"Invalid or expired identity token")
		}
		c.Locals("uid", uid)
		return c.Next()
	}
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps a domain error onto a problem response.
func errorResponse(c *fiber.Ctx, err error) error {
	var apiErr *perrors.APIError
	switch {
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrBusy):
		return problemResponse(c, fiber.StatusConflict, "busy", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrTooLarge):
		return problemResponse(c, fiber.StatusRequestEntityTooLarge, "too_large", "Payload Too Large", err.Error())
	case perrors.IsQuota(err):
		return problemResponse(c, fiber.StatusTooManyRequests, "quota_exceeded", "Too Many Requests", err.Error())
	case errors.Is(err, perrors.ErrAuthFailure):
		return problemResponse(c, fiber.StatusUnauthorized, "auth_failure", "Unauthorized", err.Error())
	case errors.Is(err, perrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", err.Error())
	case errors.Is(err, perrors.ErrTimeout):
		return problemResponse(c, fiber.StatusGatewayTimeout, "timeout", "Gateway Timeout", err.Error())
	case errors.As(err, &apiErr):
		return problemResponse(c, fiber.StatusBadGateway, "upstream_error", "Bad Gateway", apiErr.Message)
	default:
		return problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error",
			"An internal error occurred")
	}
}
