// Package chat owns the generation lifecycle of a project's chat: one
// foreground generation at a time, user-initiated stop, and recovery from
// quota failures by credential substitution.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/attachment"
	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/settings"
	"github.com/p-blackswan/analyst/internal/turn"
)

// State is the controller's lifecycle state.
type State string

const (
	Idle               State = "idle"
	Generating         State = "generating"
	AwaitingCredential State = "awaiting_credential"
)

// User-visible texts.
const (
	StoppedNotice = "Stopped generation. Input restored."
	ErrorBanner   = "An error occurred processing your request. Please try again."
	QuotaNotice   = "The AI service quota was exceeded. Provide another API key to retry."
	NoKeyNotice   = "No API key is configured. Provide one to continue."
)

// Runner executes turns.
type Runner interface {
	Validate(in turn.Input) error
	Submit(ctx context.Context, in turn.Input) (*turn.Result, error)
}

// SettingsStore supplies generation settings and stores credentials.
type SettingsStore interface {
	Get() settings.Settings
	StoredAPIKey() string
	SetAPIKey(key string) error
}

// Snapshot is the controller state shown to the client.
type Snapshot struct {
	ProjectID          string       `json:"projectId"`
	State              State        `json:"state"`
	Input              string       `json:"input"`
	Notice             string       `json:"notice,omitempty"`
	Error              string       `json:"error,omitempty"`
	CredentialRequired bool         `json:"credentialRequired"`
	LastOutcome        turn.Outcome `json:"lastOutcome,omitempty"`
	Episode            uint64       `json:"episode"`
}

// episode is one Generating period with its own cancellation.
type episode struct {
	id        uint64
	submitted string
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
}

// Controller is the lifecycle state machine for one project.
type Controller struct {
	projectID string
	runner    Runner
	settings  SettingsStore
	envKey    string
	base      context.Context
	logger    zerolog.Logger

	mu      sync.Mutex
	state   State
	seq     uint64
	current *episode
	// input is the editable text; restored on stop and quota failure.
	input string
	// pending is the attachment carried into a credential retry.
	pending     *attachment.File
	resumeID    string
	notice      string
	errMsg      string
	lastOutcome turn.Outcome
}

// NewController creates a controller. Generations run under base, not
// under the submitting request.
func NewController(base context.Context, projectID string, runner Runner, store SettingsStore, envKey string, logger zerolog.Logger) *Controller {
	return &Controller{
		projectID: projectID,
		runner:    runner,
		settings:  store,
		envKey:    envKey,
		base:      base,
		state:     Idle,
		logger:    logger.With().Str("component", "chat").Str("project_id", projectID).Logger(),
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		ProjectID:          c.projectID,
		State:              c.state,
		Input:              c.input,
		Notice:             c.notice,
		Error:              c.errMsg,
		CredentialRequired: c.state == AwaitingCredential,
		LastOutcome:        c.lastOutcome,
		Episode:            c.seq,
	}
}

// Submit starts a generation for text and an optional attachment and
// returns once it is running. It fails with ErrBusy unless the controller
// is Idle, and with a validation error before any state change.
func (c *Controller) Submit(text string, att *attachment.File) error {
	in := c.newInput(text, att)
	if err := c.runner.Validate(in); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return fmt.Errorf("%w: chat is %s", perrors.ErrBusy, c.state)
	}
	key, err := llm.ResolveAPIKey("", c.settings.StoredAPIKey(), c.envKey)
	if err != nil {
		c.awaitCredentialLocked(strings.TrimSpace(text), att, "", NoKeyNotice)
		return nil
	}
	in.Config.APIKey = key
	c.startLocked(in)
	return nil
}

// SupplyCredential retries the interrupted turn with key overriding the
// configured credential for this call. The key is stored only when save
// is true.
func (c *Controller) SupplyCredential(key string, save bool) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: API key is required", perrors.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AwaitingCredential {
		return fmt.Errorf("%w: no credential is pending", perrors.ErrInvalidInput)
	}
	if save {
		if err := c.settings.SetAPIKey(key); err != nil {
			return fmt.Errorf("saving API key: %w", err)
		}
	}

	in := c.newInput(c.input, c.pending)
	in.ResumeMessageID = c.resumeID
	in.Config.APIKey = key
	c.startLocked(in)
	return nil
}

// DismissCredential abandons the retry. The input text is kept.
func (c *Controller) DismissCredential() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AwaitingCredential {
		return
	}
	c.state = Idle
	c.pending = nil
	c.resumeID = ""
	c.notice = ""
}

// Stop aborts the in-flight generation, returns to Idle and restores the
// submitted text. Already persisted messages are kept. It reports whether
// a generation was running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Generating || c.current == nil {
		return false
	}
	ep := c.current
	ep.stopped = true
	ep.cancel()
	c.state = Idle
	c.input = ep.submitted
	c.notice = StoppedNotice
	c.lastOutcome = turn.Canceled
	c.pending = nil
	c.resumeID = ""
	c.logger.Info().Uint64("episode", ep.id).Msg("generation stopped")
	return true
}

// SetInput replaces the editable input text. A quota retry resends the
// already persisted user message, so the input is locked while one is
// pending and edits fail with ErrBusy until it is resumed or dismissed.
func (c *Controller) SetInput(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == AwaitingCredential && c.resumeID != "" {
		return fmt.Errorf("%w: input is locked until the pending retry is resumed or dismissed", perrors.ErrBusy)
	}
	c.input = text
	return nil
}

// Wait blocks until the current episode, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	ep := c.current
	c.mu.Unlock()
	if ep == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) newInput(text string, att *attachment.File) turn.Input {
	s := c.settings.Get()
	return turn.Input{
		ProjectID:  c.projectID,
		Text:       text,
		Attachment: att,
		Config: turn.GenerationConfig{
			Model:       s.Model,
			Temperature: s.Temperature,
			Preferences: s.UserPreferences,
		},
	}
}

func (c *Controller) startLocked(in turn.Input) {
	c.seq++
	ctx, cancel := context.WithCancel(c.base)
	ep := &episode{
		id:        c.seq,
		submitted: strings.TrimSpace(in.Text),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.current = ep
	c.state = Generating
	c.input = ""
	c.pending = in.Attachment
	c.resumeID = in.ResumeMessageID
	c.notice = ""
	c.errMsg = ""

	go c.run(ctx, ep, in)
}

func (c *Controller) run(ctx context.Context, ep *episode, in turn.Input) {
	defer close(ep.done)
	defer ep.cancel()

	res, err := c.runner.Submit(ctx, in)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ep.stopped || c.current != ep {
		// Stop already restored the input and returned to Idle.
		return
	}
	submitted := ep.submitted

	log := c.logger.With().Uint64("episode", ep.id).Logger()
	switch {
	case err != nil:
		log.Error().Err(err).Msg("turn failed before generation")
		c.state = Idle
		c.input = submitted
		c.errMsg = ErrorBanner
		c.lastOutcome = turn.Failed
		if errors.Is(err, perrors.ErrNotFound) {
			c.errMsg = "Project not found."
		}
		c.pending, c.resumeID = nil, ""
	case res.Outcome == turn.QuotaExceeded:
		resumeID := ""
		if res.UserMessage != nil {
			resumeID = res.UserMessage.ID
		}
		c.awaitCredentialLocked(submitted, in.Attachment, resumeID, QuotaNotice)
		c.lastOutcome = turn.QuotaExceeded
	case res.Outcome == turn.Canceled:
		c.state = Idle
		c.input = submitted
		c.notice = StoppedNotice
		c.lastOutcome = turn.Canceled
		c.pending, c.resumeID = nil, ""
	case res.Outcome == turn.Failed:
		c.state = Idle
		c.errMsg = ErrorBanner
		c.lastOutcome = turn.Failed
		c.pending, c.resumeID = nil, ""
	default:
		c.state = Idle
		c.lastOutcome = res.Outcome
		c.pending, c.resumeID = nil, ""
	}
}

func (c *Controller) awaitCredentialLocked(text string, att *attachment.File, resumeID, notice string) {
	c.state = AwaitingCredential
	c.input = text
	c.pending = att
	c.resumeID = resumeID
	c.notice = notice
}
