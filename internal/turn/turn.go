// Package turn coordinates one user turn: persist the user message, start
// the attachment upload, generate the reply, persist it, then re-derive the
// structured project record in the background.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/attachment"
	"github.com/p-blackswan/analyst/internal/background"
	"github.com/p-blackswan/analyst/internal/blob"
	"github.com/p-blackswan/analyst/internal/completion"
	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/extraction"
	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/models"
	"github.com/p-blackswan/analyst/internal/requestid"
	"github.com/p-blackswan/analyst/internal/retry"
)

// ApologyMessage is persisted as the model reply when generation fails.
const ApologyMessage = "⚠️ I encountered a system error. Please try again."

// DefaultHistoryWindow is the number of turns sent to the model, the new
// user turn included.
const DefaultHistoryWindow = 10

// Outcome is how a turn ended.
type Outcome string

const (
	Replied Outcome = "replied"
	// Canceled means the user stopped generation. No extraction runs; the
	// reply is persisted only when it committed before the stop.
	Canceled Outcome = "canceled"
	// QuotaExceeded means the provider rejected the call for rate or quota
	// reasons; the caller should offer a credential override.
	QuotaExceeded Outcome = "quota"
	// Failed means generation failed otherwise; an apology was persisted.
	Failed Outcome = "failed"
)

// Gateway is the persistence the orchestrator needs.
type Gateway interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateMessage(ctx context.Context, projectID string, in models.MessageInput) (*models.Message, error)
	ListMessages(ctx context.Context, projectID string) ([]models.Message, error)
	UpdateMessage(ctx context.Context, projectID, messageID string, patch models.MessagePatch) (*models.Message, error)
	ReplaceData(ctx context.Context, id string, data models.ProjectData) (*models.Project, error)
	Upload(ctx context.Context, projectID string, f blob.File) (*blob.Uploaded, error)
}

// Completer generates the reply.
type Completer interface {
	Complete(ctx context.Context, history []llm.Turn, turn []llm.Part, systemInstruction string, p completion.Params) (string, error)
}

// Extractor re-derives structured data. It never fails.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) models.ProjectData
}

// Submitter runs detached work.
type Submitter interface {
	Submit(job background.Job) bool
}

// Recorder receives turn and upload outcomes.
type Recorder interface {
	RecordTurn(outcome string)
	RecordUpload(result string)
}

// GenerationConfig carries the user's settings for one turn.
type GenerationConfig struct {
	Model       string
	Temperature float32
	Preferences string
	// APIKey is the credential already resolved for this turn.
	APIKey string
}

// Input is one user submission.
type Input struct {
	ProjectID  string
	Text       string
	Attachment *attachment.File
	Config     GenerationConfig
	// Perspective overrides the project's stored perspective when set.
	Perspective models.Perspective
	// ResumeMessageID retries a turn whose user message is already
	// persisted: no new user message is written and no upload is started.
	ResumeMessageID string
}

// Result describes a completed turn.
type Result struct {
	Outcome      Outcome
	Reply        string
	UserMessage  *models.Message
	ModelMessage *models.Message
	// Err is the completion error for QuotaExceeded and Failed.
	Err error
}

// Config holds orchestrator tuning.
type Config struct {
	HistoryWindow      int
	MaxAttachmentBytes int64
	// BaseInstruction replaces the built-in system instruction when set.
	BaseInstruction string
}

// Orchestrator runs turns.
type Orchestrator struct {
	gw        Gateway
	completer Completer
	extractor Extractor
	jobs      Submitter
	recorder  Recorder
	cfg       Config
	logger    zerolog.Logger
}

// New creates an Orchestrator. recorder may be nil.
func New(gw Gateway, completer Completer, extractor Extractor, jobs Submitter, recorder Recorder, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = attachment.DefaultMaxBytes
	}
	return &Orchestrator{
		gw:        gw,
		completer: completer,
		extractor: extractor,
		jobs:      jobs,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.With().Str("component", "turn").Logger(),
	}
}

// Validate checks an input without side effects.
func (o *Orchestrator) Validate(in Input) error {
	if strings.TrimSpace(in.ProjectID) == "" {
		return fmt.Errorf("%w: project id is required", perrors.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Text) == "" && in.Attachment == nil && in.ResumeMessageID == "" {
		return fmt.Errorf("%w: empty submission", perrors.ErrInvalidInput)
	}
	if in.Attachment != nil {
		return attachment.Validate(*in.Attachment, o.cfg.MaxAttachmentBytes)
	}
	return nil
}

// Submit runs one turn. Validation and persistence errors are returned
// before anything is written; completion failures are reported through
// Result.Outcome.
func (o *Orchestrator) Submit(ctx context.Context, in Input) (*Result, error) {
	if err := o.Validate(in); err != nil {
		return nil, err
	}
	ctx, turnID := requestid.Ensure(ctx)
	log := o.logger.With().Str("project_id", in.ProjectID).Str("turn_id", turnID).Logger()

	text := strings.TrimSpace(in.Text)
	var inline *llm.Blob
	if in.Attachment != nil {
		prepared, err := attachment.Prepare(text, *in.Attachment, o.cfg.MaxAttachmentBytes)
		if err != nil {
			return nil, err
		}
		text, inline = prepared.Text, prepared.Inline
		log.Debug().Str("mode", string(prepared.Mode)).Str("file", in.Attachment.Name).Msg("attachment classified")
	}

	project, err := o.gw.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}
	perspective := in.Perspective
	if !perspective.Valid() {
		perspective = project.Perspective
	}

	prior, err := o.gw.ListMessages(ctx, in.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	var userMsg *models.Message
	if in.ResumeMessageID != "" {
		userMsg, prior = takeMessage(prior, in.ResumeMessageID)
		if userMsg == nil {
			return nil, fmt.Errorf("%w: message %s", perrors.ErrNotFound, in.ResumeMessageID)
		}
		text = userMsg.Content
	} else {
		userMsg, err = o.gw.CreateMessage(ctx, in.ProjectID, models.MessageInput{Role: models.RoleUser, Content: text})
		if err != nil {
			return nil, fmt.Errorf("persisting user message: %w", err)
		}
	}
	log = log.With().Str("message_id", userMsg.ID).Logger()

	if in.Attachment != nil && in.ResumeMessageID == "" {
		o.startUpload(turnID, userMsg, *in.Attachment, log)
	}

	history := window(prior, o.cfg.HistoryWindow-1)
	parts := []llm.Part{llm.TextPart(text)}
	if inline != nil {
		parts = append(parts, llm.Part{Blob: inline})
	}
	sys := completion.SystemInstruction(o.cfg.BaseInstruction, perspective, in.Config.Preferences)

	reply, err := o.completer.Complete(ctx, history, parts, sys, completion.Params{
		Model:       in.Config.Model,
		Temperature: in.Config.Temperature,
		APIKey:      in.Config.APIKey,
	})
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", perrors.ErrCanceled, ctx.Err())
	}
	if err != nil {
		return o.completionFailed(ctx, in.ProjectID, userMsg, err, log), nil
	}

	modelMsg, err := o.gw.CreateMessage(ctx, in.ProjectID, models.MessageInput{Role: models.RoleModel, Content: reply})
	if err != nil {
		if ctx.Err() != nil {
			o.record(Canceled)
			return &Result{Outcome: Canceled, UserMessage: userMsg}, nil
		}
		return nil, fmt.Errorf("persisting reply: %w", err)
	}

	if ctx.Err() != nil {
		// Stopped after the reply committed: keep it, skip extraction.
		log.Info().Str("reply_id", modelMsg.ID).Msg("turn canceled after reply persisted")
		o.record(Canceled)
		return &Result{Outcome: Canceled, Reply: reply, UserMessage: userMsg, ModelMessage: modelMsg}, nil
	}

	o.startExtraction(turnID, in, transcript(prior, text, reply), inline, log)

	o.record(Replied)
	log.Info().Str("reply_id", modelMsg.ID).Msg("turn completed")
	return &Result{Outcome: Replied, Reply: reply, UserMessage: userMsg, ModelMessage: modelMsg}, nil
}

func (o *Orchestrator) completionFailed(ctx context.Context, projectID string, userMsg *models.Message, err error, log zerolog.Logger) *Result {
	switch {
	case perrors.IsCanceled(err):
		log.Info().Msg("turn canceled by user")
		o.record(Canceled)
		return &Result{Outcome: Canceled, UserMessage: userMsg}
	case perrors.IsQuota(err):
		log.Warn().Err(err).Msg("completion hit quota")
		o.record(QuotaExceeded)
		return &Result{Outcome: QuotaExceeded, UserMessage: userMsg, Err: err}
	}

	log.Error().Err(err).Msg("completion failed")
	o.record(Failed)
	res := &Result{Outcome: Failed, UserMessage: userMsg, Err: err}
	apology, perr := o.gw.CreateMessage(context.WithoutCancel(ctx), projectID, models.MessageInput{
		Role:    models.RoleModel,
		Content: ApologyMessage,
	})
	if perr != nil {
		log.Error().Err(perr).Msg("persisting apology failed")
		return res
	}
	res.ModelMessage = apology
	return res
}

func (o *Orchestrator) startUpload(turnID string, msg *models.Message, f attachment.File, log zerolog.Logger) {
	annotate := func(ctx context.Context, reason string) {
		content := msg.Content + "\n\n" + reason
		err := o.write(ctx, log, func(ctx context.Context) error {
			_, err := o.gw.UpdateMessage(ctx, msg.ProjectID, msg.ID, models.MessagePatch{Content: &content})
			return err
		})
		if err != nil {
			log.Error().Err(err).Msg("annotating upload failure")
		}
	}

	o.jobs.Submit(background.Job{
		Name:   "upload",
		TurnID: turnID,
		Run: func(ctx context.Context) error {
			up, err := o.gw.Upload(ctx, msg.ProjectID, blob.File{Name: f.Name, MIMEType: f.MIMEType, Data: f.Data})
			if err != nil {
				reason := UploadFailureReason(err)
				o.recordUpload(uploadResult(err))
				annotate(ctx, reason)
				return err
			}
			o.recordUpload("ok")
			att := &models.Attachment{
				URL:         up.URL,
				Type:        models.KindForMIME(f.MIMEType),
				Name:        f.Name,
				MIMEType:    f.MIMEType,
				StoragePath: up.StoragePath,
			}
			return o.write(ctx, log, func(ctx context.Context) error {
				_, err := o.gw.UpdateMessage(ctx, msg.ProjectID, msg.ID, models.MessagePatch{Attachment: att})
				return err
			})
		},
		Dropped: func() {
			o.recordUpload("dropped")
			annotate(context.Background(), UploadFailureReason(nil))
		},
	})
}

func (o *Orchestrator) startExtraction(turnID string, in Input, text string, inline *llm.Blob, log zerolog.Logger) {
	o.jobs.Submit(background.Job{
		Name:   "extraction",
		TurnID: turnID,
		Run: func(ctx context.Context) error {
			latest, err := o.gw.GetProject(ctx, in.ProjectID)
			if err != nil {
				return fmt.Errorf("loading project for extraction: %w", err)
			}
			next := o.extractor.Extract(ctx, extraction.Request{
				Transcript: text,
				Current:    latest.Data,
				Attachment: inline,
				APIKey:     in.Config.APIKey,
			})
			if next.Equal(latest.Data) {
				return nil
			}
			err = o.write(ctx, log, func(ctx context.Context) error {
				_, err := o.gw.ReplaceData(ctx, in.ProjectID, next)
				return err
			})
			if err != nil {
				return fmt.Errorf("writing extracted data: %w", err)
			}
			log.Debug().Msg("project data updated from conversation")
			return nil
		},
	})
}

// write runs a background store write, retrying transient failures.
func (o *Orchestrator) write(ctx context.Context, log zerolog.Logger, fn func(ctx context.Context) error) error {
	cfg := retry.DefaultConfig()
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying store write")
	}
	return retry.Do(ctx, cfg, fn)
}

func (o *Orchestrator) record(out Outcome) {
	if o.recorder != nil {
		o.recorder.RecordTurn(string(out))
	}
}

func (o *Orchestrator) recordUpload(result string) {
	if o.recorder != nil {
		o.recorder.RecordUpload(result)
	}
}

// UploadFailureReason is the note appended to a message whose attachment
// could not be stored.
func UploadFailureReason(err error) string {
	switch {
	case errors.Is(err, perrors.ErrAuthFailure):
		return "(Upload Failed - Authentication Error)"
	case errors.Is(err, perrors.ErrTimeout):
		return "(Upload Failed - Timeout)"
	case errors.Is(err, perrors.ErrStorage):
		return "(Upload Failed - Storage Error)"
	default:
		return "(Upload Failed - Local Preview)"
	}
}

func uploadResult(err error) string {
	switch {
	case errors.Is(err, perrors.ErrAuthFailure):
		return "auth"
	case errors.Is(err, perrors.ErrTimeout):
		return "timeout"
	default:
		return "storage"
	}
}

// takeMessage removes the message with id from msgs.
func takeMessage(msgs []models.Message, id string) (*models.Message, []models.Message) {
	for i := range msgs {
		if msgs[i].ID == id {
			m := msgs[i]
			rest := make([]models.Message, 0, len(msgs)-1)
			rest = append(rest, msgs[:i]...)
			rest = append(rest, msgs[i+1:]...)
			return &m, rest
		}
	}
	return nil, msgs
}

// window maps the last n messages to provider turns, oldest first.
func window(msgs []models.Message, n int) []llm.Turn {
	if n < 0 {
		n = 0
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Role == models.RoleModel {
			role = llm.RoleModel
		}
		out = append(out, llm.Turn{Role: role, Parts: []llm.Part{llm.TextPart(m.Content)}})
	}
	return out
}

// transcript renders the full conversation as "role: content" lines.
func transcript(prior []models.Message, userText, reply string) string {
	lines := make([]string, 0, len(prior)+2)
	for _, m := range prior {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}
	lines = append(lines,
		string(models.RoleUser)+": "+userText,
		string(models.RoleModel)+": "+reply,
	)
	return strings.Join(lines, "\n")
}
