package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"identityrecon/internal/database"
	"identityrecon/internal/events"
	"identityrecon/internal/lock"
	"identityrecon/internal/metrics"
	"identityrecon/internal/models"
	"identityrecon/internal/sentinel"
)

const tracerName = "identityrecon/service"

// ReconciliationEngine handles identity reconciliation. It serializes
// submissions sharing an email or phone, then runs candidate fetch, group
// resolution, the merge decision and the resulting mutations in one
// transaction.
type ReconciliationEngine struct {
	store      database.Store
	locker     lock.Locker
	resolver   *GroupResolver
	decider    MergeDecider
	responses  ResponseBuilder
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	maxRetries int
	newBackOff func() backoff.BackOff
}

// Option configures a ReconciliationEngine.
type Option func(*ReconciliationEngine)

// WithLocker sets the locker used to serialize submissions.
func WithLocker(l lock.Locker) Option {
	return func(e *ReconciliationEngine) { e.locker = l }
}

// WithPublisher sets where committed changes are announced.
func WithPublisher(p events.Publisher) Option {
	return func(e *ReconciliationEngine) { e.publisher = p }
}

// WithMetrics sets the collectors the engine reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *ReconciliationEngine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *ReconciliationEngine) { e.logger = l }
}

// WithMaxRetries bounds how many times a conflicting identify is repeated.
func WithMaxRetries(n int) Option {
	return func(e *ReconciliationEngine) { e.maxRetries = n }
}

// WithRetryBackOff sets the delay policy between conflict retries.
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(e *ReconciliationEngine) { e.newBackOff = newBackOff }
}

// NewReconciliationEngine creates an engine over store. Without options it
// serializes with an in-process locker and logs its events.
func NewReconciliationEngine(store database.Store, opts ...Option) *ReconciliationEngine {
	e := &ReconciliationEngine{
		store:      store,
		maxRetries: 3,
		newBackOff: defaultBackOff,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.publisher == nil {
		e.publisher = events.NewLogPublisher(e.logger)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(prometheus.NewRegistry())
	}
	e.resolver = NewGroupResolver(e.logger)
	return e
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

// result is what one committed reconciliation produced.
type result struct {
	primaryID int64
	action    ActionKind
	absorbed  int
	events    []events.Event
}

// Identify reconciles a submission and reports the resulting identity. At
// least one of email and phone must be non-blank.
func (e *ReconciliationEngine) Identify(ctx context.Context, email, phone *string) (*models.IdentifyResponse, error) {
	start := time.Now()
	email, phone = clean(email), clean(phone)

	ctx, span := e.tracer.Start(ctx, "ReconciliationEngine.Identify",
		trace.WithAttributes(
			attribute.Bool("identity.has_email", email != nil),
			attribute.Bool("identity.has_phone", phone != nil),
		))
	defer span.End()

	resp, outcome, err := e.identify(ctx, email, phone)
	e.metrics.IdentifyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.ObserveOutcome(metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logFailure(ctx, err)
		return nil, err
	}
	e.metrics.ObserveOutcome(outcome)
	span.SetAttributes(
		attribute.String("identity.outcome", outcome),
		attribute.Int64("identity.primary_id", resp.Contact.PrimaryContactID),
	)
	return resp, nil
}

func (e *ReconciliationEngine) identify(ctx context.Context, email, phone *string) (*models.IdentifyResponse, string, error) {
	if email == nil && phone == nil {
		return nil, "", &Error{Kind: ErrValidation, Op: "identify", Err: errors.New("email or phoneNumber is required")}
	}

	if resp, ok := e.exactMatch(ctx, email, phone); ok {
		return resp, metrics.OutcomeNoOp, nil
	}

	var res result
	attempts := 0
	operation := func() error {
		attempts++
		var err error
		res, err = e.reconcileOnce(ctx, email, phone)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			e.metrics.Conflicts.Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.Retries.Inc()
		e.logger.DebugContext(ctx, "retrying identify after conflict",
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(max(e.maxRetries, 0))), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return nil, "", &Error{
				Kind: ErrStoreUnavailable,
				Op:   "identify",
				Err:  fmt.Errorf("gave up after %d attempts: %w", attempts, err),
			}
		}
		return nil, "", err
	}

	e.metrics.MergedPrimaries.Add(float64(res.absorbed))
	e.publish(ctx, res.events)

	resp, err := e.responses.Build(ctx, e.store, res.primaryID)
	if errors.Is(err, ErrNotFound) {
		return nil, "", invariantf("build response", "primary %d committed by this request is missing", res.primaryID)
	}
	if err != nil {
		return nil, "", err
	}
	return resp, outcomeLabel(res.action), nil
}

// exactMatch answers a resubmission of a combination already stored without
// taking any lock. It only applies when every record sharing a submitted
// value already belongs to the exact match's group, so nothing would change.
// Any doubt falls through to the serialized path.
func (e *ReconciliationEngine) exactMatch(ctx context.Context, email, phone *string) (*models.IdentifyResponse, bool) {
	hit, err := e.store.FindExact(ctx, email, phone)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			e.logger.DebugContext(ctx, "exact match lookup failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	candidates, err := e.store.FindByEmailOrPhone(ctx, email, phone)
	if err != nil {
		return nil, false
	}
	pid := hit.PrimaryID()
	for _, c := range candidates {
		if c.PrimaryID() != pid {
			return nil, false
		}
	}
	resp, err := e.responses.Build(ctx, e.store, pid)
	if err != nil || resp.Contact.PrimaryContactID != pid {
		return nil, false
	}
	return resp, true
}

// reconcileOnce runs one serialized attempt. Conflicts come back as
// ErrConcurrencyConflict so the caller can repeat the whole sequence.
func (e *ReconciliationEngine) reconcileOnce(ctx context.Context, email, phone *string) (result, error) {
	keys := lock.Keys(email, phone)
	unlock, err := e.locker.Lock(ctx, keys)
	if err != nil {
		return result{}, storeError("acquire lock", err)
	}
	defer unlock()

	var res result
	err = e.store.RunInTx(ctx, func(tx database.Tx) error {
		if err := tx.LockKeys(ctx, keys); err != nil {
			return storeError("lock keys", err)
		}
		candidates, err := tx.FindByEmailOrPhone(ctx, email, phone)
		if err != nil {
			return storeError("find candidates", err)
		}

		rctx, span := e.tracer.Start(ctx, "GroupResolver.Resolve",
			trace.WithAttributes(attribute.Int("identity.candidates", len(candidates))))
		groups, err := e.resolver.Resolve(rctx, tx, candidates)
		span.End()
		if err != nil {
			return err
		}
		if err := lockPrimaries(ctx, tx, groups); err != nil {
			return err
		}

		action, err := e.decider.Decide(email, phone, groups)
		if err != nil {
			return err
		}
		res, err = e.apply(ctx, tx, action)
		return err
	})
	if err != nil {
		return result{}, storeError("identify", err)
	}
	return res, nil
}

// lockPrimaries row-locks the resolved primaries in ascending id order. The
// identifier locks only cover the submitted values, so a request sharing none
// of them can still reach one of these groups through another member. A
// primary that was demoted or deleted after it was read is a conflict.
func lockPrimaries(ctx context.Context, tx database.Tx, groups []IdentityGroup) error {
	if len(groups) == 0 {
		return nil
	}
	ids := make([]int64, len(groups))
	for i, g := range groups {
		ids[i] = g.Primary.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked, err := tx.LockContacts(ctx, ids)
	if err != nil {
		return storeError("lock primaries", err)
	}
	if len(locked) != len(ids) {
		return storeError("lock primaries",
			fmt.Errorf("%d of %d primaries deleted: %w", len(ids)-len(locked), len(ids), sentinel.ErrConflict))
	}
	for _, c := range locked {
		if !c.IsPrimary() {
			return storeError("lock primaries",
				fmt.Errorf("contact %d is no longer primary: %w", c.ID, sentinel.ErrConflict))
		}
	}
	return nil
}

// apply performs the mutations of an action in order: every demotion is
// followed by its relink sweep, and the insert comes last.
func (e *ReconciliationEngine) apply(ctx context.Context, tx database.Tx, action Action) (result, error) {
	ctx, span := e.tracer.Start(ctx, "ReconciliationEngine.apply",
		trace.WithAttributes(attribute.String("identity.action", action.Kind.String())))
	defer span.End()

	switch action.Kind {
	case ActionNoOp:
		return result{primaryID: action.Primary.ID, action: action.Kind}, nil

	case ActionCreatePrimary:
		c, err := tx.Insert(ctx, models.NewContact{
			Email:          action.Email,
			PhoneNumber:    action.Phone,
			LinkPrecedence: models.PrecedencePrimary,
		})
		if err != nil {
			return result{}, storeError("insert primary", err)
		}
		ev := events.New(events.TypeContactCreated, c.ID)
		ev.ContactID, ev.Email, ev.PhoneNumber = c.ID, c.Email, c.PhoneNumber
		return result{primaryID: c.ID, action: action.Kind, events: []events.Event{ev}}, nil

	case ActionAttachSecondary, ActionMerge:
		primary := action.Primary
		res := result{primaryID: primary.ID, action: action.Kind}

		for _, absorbed := range action.Absorbed {
			if _, err := tx.DemoteToSecondary(ctx, absorbed.ID, primary.ID); err != nil {
				return result{}, storeError(fmt.Sprintf("demote contact %d", absorbed.ID), err)
			}
			moved, err := tx.RelinkChildren(ctx, absorbed.ID, primary.ID)
			if err != nil {
				return result{}, storeError(fmt.Sprintf("relink children of %d", absorbed.ID), err)
			}
			ev := events.New(events.TypeIdentityMerged, primary.ID)
			ev.AbsorbedPrimaryID = absorbed.ID
			for _, m := range moved {
				ev.RelinkedContactIDs = append(ev.RelinkedContactIDs, m.ID)
			}
			res.events = append(res.events, ev)
			res.absorbed++

			e.logger.InfoContext(ctx, "merged identities",
				slog.Int64("primary_id", primary.ID),
				slog.Int64("absorbed_id", absorbed.ID),
				slog.Int("relinked", len(moved)),
			)
		}

		primaryID := primary.ID
		c, err := tx.Insert(ctx, models.NewContact{
			Email:          action.Email,
			PhoneNumber:    action.Phone,
			LinkedID:       &primaryID,
			LinkPrecedence: models.PrecedenceSecondary,
		})
		if err != nil {
			return result{}, storeError("insert secondary", err)
		}
		ev := events.New(events.TypeContactLinked, primary.ID)
		ev.ContactID, ev.Email, ev.PhoneNumber = c.ID, c.Email, c.PhoneNumber
		res.events = append(res.events, ev)
		return res, nil

	default:
		return result{}, invariantf("apply", "unknown action %v", action.Kind)
	}
}

// Lookup reports the identity group containing contact id.
func (e *ReconciliationEngine) Lookup(ctx context.Context, id int64) (*models.IdentifyResponse, error) {
	ctx, span := e.tracer.Start(ctx, "ReconciliationEngine.Lookup",
		trace.WithAttributes(attribute.Int64("identity.contact_id", id)))
	defer span.End()

	resp, err := e.responses.Build(ctx, e.store, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logFailure(ctx, err)
		}
		return nil, err
	}
	return resp, nil
}

func (e *ReconciliationEngine) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, evs...); err != nil {
		e.metrics.PublishFailures.Add(float64(len(evs)))
		e.logger.WarnContext(ctx, "failed to publish identity events",
			slog.Int("count", len(evs)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *ReconciliationEngine) logFailure(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		e.logger.DebugContext(ctx, "identify rejected", slog.String("error", err.Error()))
	case errors.Is(err, ErrInvariantViolation):
		e.logger.ErrorContext(ctx, "identity graph invariant violated", slog.String("error", err.Error()))
	default:
		e.logger.WarnContext(ctx, "identify failed", slog.String("error", err.Error()))
	}
}

func outcomeLabel(k ActionKind) string {
	switch k {
	case ActionCreatePrimary:
		return metrics.OutcomeCreatePrimary
	case ActionAttachSecondary:
		return metrics.OutcomeAttachSecondary
	case ActionMerge:
		return metrics.OutcomeMerge
	default:
		return metrics.OutcomeNoOp
	}
}

// clean trims v and treats blank as absent.
func clean(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
