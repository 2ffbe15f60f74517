package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/integration"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/store"
)

var tracer = otel.Tracer("dukapos/service")

// ErrForbidden is returned when the actor's role does not allow an operation.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

// PaymentInitiator starts an asynchronous payment and returns the token its
// confirmation callback will carry.
type PaymentInitiator interface {
	Initiate(ctx context.Context, req domain.PaymentInitiation) (string, error)
}

// EventSink receives committed sale events. Implementations must not block.
type EventSink interface {
	SaleCompleted(event domain.SaleEvent)
	SaleCancelled(event domain.SaleEvent)
	PaymentPushed(event domain.SaleEvent, phone string)
}

type Config struct {
	Logger         *zap.Logger
	Initiator      PaymentInitiator
	Events         EventSink
	Features       integration.FeatureGate
	Correlations   cache.CorrelationCache
	Locker         cache.Locker
	DefaultTaxRate decimal.Decimal
	CorrelationTTL time.Duration
}

type Service struct {
	repo           store.Repository
	stock          *ledger.Ledger
	logger         *zap.Logger
	initiator      PaymentInitiator
	events         EventSink
	features       integration.FeatureGate
	correlations   cache.CorrelationCache
	locker         cache.Locker
	defaultTaxRate decimal.Decimal
	correlationTTL time.Duration
	now            func() time.Time
}

func New(repo store.Repository, stock *ledger.Ledger, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = noopEvents{}
	}
	if cfg.Features == nil {
		cfg.Features = integration.NewStaticGate("")
	}
	if cfg.Correlations == nil {
		cfg.Correlations = cache.NoopCorrelationCache{}
	}
	if cfg.Locker == nil {
		cfg.Locker = cache.NoopLocker{}
	}
	if cfg.DefaultTaxRate.IsZero() {
		cfg.DefaultTaxRate = decimal.NewFromInt(16)
	}
	if cfg.CorrelationTTL <= 0 {
		cfg.CorrelationTTL = 10 * time.Minute
	}

	return &Service{
		repo:           repo,
		stock:          stock,
		logger:         cfg.Logger.Named("service"),
		initiator:      cfg.Initiator,
		events:         cfg.Events,
		features:       cfg.Features,
		correlations:   cfg.Correlations,
		locker:         cfg.Locker,
		defaultTaxRate: cfg.DefaultTaxRate,
		correlationTTL: cfg.CorrelationTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type noopEvents struct{}

func (noopEvents) SaleCompleted(domain.SaleEvent)         {}
func (noopEvents) SaleCancelled(domain.SaleEvent)         {}
func (noopEvents) PaymentPushed(domain.SaleEvent, string) {}

func startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, "service."+name, opts...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func saleEvent(sale *domain.Sale, at time.Time) domain.SaleEvent {
	return domain.SaleEvent{
		SaleID:     sale.ID,
		SaleNumber: sale.SaleNumber,
		CustomerID: sale.CustomerID,
		Status:     sale.Status,
		Total:      sale.TotalAmount,
		Tax:        sale.TaxAmount,
		Paid:       sale.PaidAmount,
		Items:      sale.Items,
		OccurredAt: at,
	}
}

// notFound converts a store miss into a field-level error for request ids.
func notFound(err error, field string, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewValidationError(field, what+" not found")
	}
	return err
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func requirePrivileged(ctx context.Context, action string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.IsPrivileged() {
		return fmt.Errorf("%w: %s requires manager or admin role", ErrForbidden, action)
	}
	return nil
}
