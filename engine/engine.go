// Package engine owns the lifecycle of sequence instances: enrollment,
// the periodic advance of due instances, and operator transitions.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"outreach/dispatch"
	"outreach/idempotency"
	"outreach/models"
	"outreach/scheduler"
	"outreach/templates"
	"outreach/utils"
)

var (
	ErrAlreadyEnrolled    = errors.New("contact already has an open enrollment in this sequence")
	ErrInvalidTransition  = errors.New("transition not allowed from the current status")
	ErrContactUnreachable = errors.New("contact cannot be enrolled")
)

// Repository is the persistence the engine needs.
type Repository interface {
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	TouchContact(ctx context.Context, id string, at time.Time) error
	MarkContactConverted(ctx context.Context, id string) error

	CreateInstance(ctx context.Context, inst *models.SequenceInstance) error
	GetInstance(ctx context.Context, id string) (*models.SequenceInstance, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.SequenceInstance, error)
	ListInstances(ctx context.Context, f models.InstanceFilter) ([]models.SequenceInstance, error)
	CountInstances(ctx context.Context) (models.InstanceCounts, error)
	SaveProgress(ctx context.Context, inst *models.SequenceInstance) error
	Transition(ctx context.Context, id string, from []models.InstanceStatus, to models.InstanceStatus, reason string, at time.Time) (models.Transition, bool, error)
	OpenInstancesForContact(ctx context.Context, contactID string) ([]models.SequenceInstance, error)

	FindLiveSend(ctx context.Context, instanceID string, step int) (*models.MessageSend, error)
	CreateSend(ctx context.Context, send *models.MessageSend) error
	MarkSendSent(ctx context.Context, id, providerMessageID string, at time.Time) error
	MarkSendFailed(ctx context.Context, id, reason string) error
	ListSends(ctx context.Context, instanceID string) ([]models.MessageSend, error)
	Engagement(ctx context.Context, instanceID string) (models.Engagement, error)
}

// RetentionNotifier is told when a contact converts so its scheduled purge
// can be cancelled.
type RetentionNotifier interface {
	OnConvert(ctx context.Context, contactID string) error
}

// Observer receives every status transition the engine makes.
type Observer interface {
	OnTransition(tr models.Transition)
}

type Config struct {
	ClaimTTL            time.Duration
	DispatchTimeout     time.Duration
	MaxDispatchAttempts int
	BatchSize           int
}

func (c Config) withDefaults() Config {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

type Engine struct {
	repo       Repository
	templates  templates.Store
	scheduler  *scheduler.Scheduler
	guard      idempotency.Guard
	dispatcher dispatch.Dispatcher
	clock      utils.Clock
	cfg        Config

	budget    SendBudget
	retention RetentionNotifier
	observers []Observer
	log       logrus.FieldLogger
}

type Option func(*Engine)

func WithBudget(b SendBudget) Option { return func(e *Engine) { e.budget = b } }

func WithRetention(r RetentionNotifier) Option { return func(e *Engine) { e.retention = r } }

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func New(repo Repository, tmpls templates.Store, sched *scheduler.Scheduler, guard idempotency.Guard,
	dispatcher dispatch.Dispatcher, clock utils.Clock, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		repo:       repo,
		templates:  tmpls,
		scheduler:  sched,
		guard:      guard,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		log:        utils.NewLogger("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) publish(tr models.Transition) {
	for _, o := range e.observers {
		o.OnTransition(tr)
	}
	utils.LogEvent("sequence_transition", map[string]interface{}{
		"instance_id": tr.InstanceID,
		"from":        tr.From,
		"to":          tr.To,
		"reason":      tr.Reason,
	})
}

func (e *Engine) instanceLog(inst *models.SequenceInstance) logrus.FieldLogger {
	return e.log.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"template":    inst.TemplateName,
		"step":        inst.CurrentStep + 1,
	})
}
