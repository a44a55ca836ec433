package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/events"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

// SubmitRequest describes a new transfer.
type SubmitRequest struct {
	TenantID string `validate:"required"`
	Owner    string `validate:"required"`
	Source   string `validate:"required,transfer_uri"`
	Dest     string `validate:"required,transfer_uri"`
}

// ValidationError carries translated field errors.
type ValidationError struct{ Fields map[string]string }

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, msg := range e.Fields {
		parts = append(parts, msg)
	}
	return "invalid submit request: " + strings.Join(parts, "; ")
}

// Submitter creates root tasks and issues cancel and pause requests.
type Submitter struct {
	repo      transfer.TaskRepository
	publisher events.DomainEventPublisher
	metrics   *Metrics

	validate   *validator.Validate
	translator ut.Translator

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSubmitter creates a Submitter.
func NewSubmitter(
	repo transfer.TaskRepository,
	publisher events.DomainEventPublisher,
	metrics *Metrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Submitter, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("transfer_uri", func(fl validator.FieldLevel) bool {
		_, err := transfer.ParseTransferURI(fl.Field().String())
		return err == nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register uri validation: %w", err)
	}

	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, fmt.Errorf("failed to register translations: %w", err)
	}
	if err := validate.RegisterTranslation("transfer_uri", trans,
		func(ut ut.Translator) error {
			return ut.Add("transfer_uri", "{0} must be an absolute URI with a supported scheme", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T("transfer_uri", fe.Field())
			return t
		},
	); err != nil {
		return nil, fmt.Errorf("failed to register uri translation: %w", err)
	}

	return &Submitter{
		repo:       repo,
		publisher:  publisher,
		metrics:    metrics,
		validate:   validate,
		translator: trans,
		logger:     logger.With("component", "submitter"),
		tracer:     tracer,
	}, nil
}

// Submit validates req, stores a CREATED root and publishes task.created.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*transfer.Task, error) {
	ctx, span := s.tracer.Start(ctx, "submitter.submit",
		trace.WithAttributes(attribute.String("tenant_id", req.TenantID)))
	defer span.End()

	if err := s.validate.Struct(req); err != nil {
		err = s.translate(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	root := transfer.NewRootTask(req.TenantID, req.Owner, req.Source, req.Dest)
	if err := s.repo.CreateTask(ctx, root); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create root task: %w", err)
	}
	s.metrics.IncTaskCreated(ctx)

	ev := transfer.NewTaskEvent(transfer.EventTypeTaskCreated, root)
	if err := s.publisher.PublishDomainEvent(ctx, ev, events.WithKey(ev.RoutingKey())); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to publish task created: %w", err)
	}

	span.SetAttributes(attribute.String("task_id", root.ID().String()))
	span.SetStatus(codes.Ok, "transfer submitted")
	s.logger.Info(ctx, "Transfer submitted", "task_id", root.ID(), "source", req.Source, "dest", req.Dest)
	return root, nil
}

// Cancel publishes a cancel request for the tree containing taskID.
func (s *Submitter) Cancel(ctx context.Context, tenantID string, taskID uuid.UUID) error {
	return s.request(ctx, transfer.EventTypeTaskCancel, tenantID, taskID)
}

// Pause publishes a pause request for the root taskID.
func (s *Submitter) Pause(ctx context.Context, tenantID string, taskID uuid.UUID) error {
	return s.request(ctx, transfer.EventTypeTaskPause, tenantID, taskID)
}

func (s *Submitter) request(ctx context.Context, kind events.EventType, tenantID string, taskID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "submitter.request",
		trace.WithAttributes(
			attribute.String("event_type", kind.String()),
			attribute.String("task_id", taskID.String()),
		))
	defer span.End()

	task, err := s.repo.GetTask(ctx, tenantID, taskID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	ev := transfer.NewTaskEvent(kind, task)
	if err := s.publisher.PublishDomainEvent(ctx, ev, events.WithKey(ev.RoutingKey())); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish %s: %w", kind, err)
	}
	s.logger.Info(ctx, "Interrupt requested", "task_id", taskID, "event_type", kind)
	return nil
}

func (s *Submitter) translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(s.translator)
	}
	return &ValidationError{Fields: fields}
}
