// Package quota implements the per-user daily swipe allowance.
//
// The authoritative record lives in the remote store and is only changed
// inside a remote transaction, so concurrent consumers can never both pass
// the daily cap. A shadow copy is kept in the local cache. When the remote
// is unreachable, Consume falls back to an atomic update of that copy; such
// offline consumes are not replayed to the remote later and are overwritten
// by the next successful remote operation.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/penpalsync/penpalsync/internal/analytics"
	"github.com/penpalsync/penpalsync/internal/localstore"
	"github.com/penpalsync/penpalsync/internal/model"
	"github.com/penpalsync/penpalsync/internal/remote"
)

const (
	// DefaultCollection is the remote collection holding quota records.
	DefaultCollection = "swipeLimits"

	// MirrorCollection is the local cache table holding the shadow copies.
	MirrorCollection = "quota"

	otelScope           = "penpalsync/quota"
	metricConsumed      = "penpalsync.quota.consumed"
	metricBlocked       = "penpalsync.quota.blocked"
	metricLocalFallback = "penpalsync.quota.local_fallbacks"
)

// Remote record fields.
const (
	fieldDay       = "day"
	fieldUsed      = "used"
	fieldMax       = "max"
	fieldUpdatedAt = "updatedAt"
)

// ErrInvalidAmount is returned for negative grants and caps.
var ErrInvalidAmount = errors.New("invalid amount")

// RemoteStore is the transactional remote document store.
// Implemented by [remote.Firestore] and [memstore.Store].
type RemoteStore interface {
	Get(ctx context.Context, collection, id string) (*remote.Document, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error
}

// LocalStore holds the shadow records.
// Implemented by [localstore.Store].
type LocalStore interface {
	Get(ctx context.Context, collection, id string) (localstore.Row, error)
	Update(ctx context.Context, collection, id string, fn func(localstore.Row) (localstore.Row, error)) (localstore.Row, error)
}

// Events receives analytics events.
// Implemented by [analytics.Recorder].
type Events interface {
	Log(ctx context.Context, event string, attrs ...otellog.KeyValue)
}

// MirrorTable is the local table definition for the shadow records. It must
// be registered with the local store before the ledger is used.
func MirrorTable() localstore.Table {
	return localstore.Table{
		Name: MirrorCollection,
		Columns: []localstore.Column{
			{Name: fieldDay, Type: localstore.Text},
			{Name: fieldUsed, Type: localstore.Integer},
			{Name: fieldMax, Type: localstore.Integer},
			{Name: fieldUpdatedAt, Type: localstore.Integer},
		},
	}
}

// Status is a read-only view of a user's allowance.
type Status struct {
	Remaining    int
	WindowEndsAt time.Time

	// Offline is set when the figures come from the local mirror.
	Offline bool
}

// Ledger is the quota state machine. Create one with [New].
type Ledger struct {
	remote     RemoteStore
	local      LocalStore
	events     Events
	collection string
	loc        *time.Location
	log        *slog.Logger
	now        func() time.Time

	cntConsumed metric.Int64Counter
	cntBlocked  metric.Int64Counter
	cntFallback metric.Int64Counter
}

// New creates a Ledger. Days are computed in loc; collection defaults to
// [DefaultCollection].
func New(rs RemoteStore, local LocalStore, events Events, collection string, loc *time.Location, logger *slog.Logger) *Ledger {
	if collection == "" {
		collection = DefaultCollection
	}
	if loc == nil {
		loc = time.Local
	}
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Ledger{
		remote:     rs,
		local:      local,
		events:     events,
		collection: collection,
		loc:        loc,
		log:        logger,
		now:        time.Now,

		cntConsumed: mustCounter(metricConsumed, "Successful quota consumes"),
		cntBlocked:  mustCounter(metricBlocked, "Consumes refused because the daily allowance is used up"),
		cntFallback: mustCounter(metricLocalFallback, "Consumes served by the local mirror while the remote was unreachable"),
	}
}

// Consume uses one unit of userID's allowance for today and returns how many
// are left, or [model.Blocked] when none were left. maxPerDay is the cap
// applied when the user has no record yet.
//
// A transient remote failure falls back to the local mirror. Any other
// remote failure is returned, including [remote.ErrAborted] when the
// transaction kept losing to concurrent consumes.
func (l *Ledger) Consume(ctx context.Context, userID string, maxPerDay int) (int, error) {
	now := l.now()
	today := model.DayKey(now, l.loc)

	var (
		rec     model.QuotaRecord
		blocked bool
	)
	err := l.remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		doc, err := tx.Get(l.collection, userID)
		if err != nil {
			return err
		}
		rec = fromDocument(doc, userID, maxPerDay).RollOver(today)
		if blocked = rec.Exhausted(); blocked {
			return nil
		}
		rec = rec.Consume()
		return tx.Set(l.collection, userID, toDocument(rec, now), false)
	})
	if err != nil {
		if !remote.IsTransient(err) {
			return 0, fmt.Errorf("consuming quota for %s: %w", userID, err)
		}
		l.log.Warn("remote quota unavailable, consuming locally", "user_id", userID, "error", err)
		return l.consumeLocal(ctx, userID, maxPerDay, now)
	}

	l.mirror(ctx, rec, now)
	if blocked {
		l.blocked(ctx, rec, false)
		return model.Blocked, nil
	}
	l.cntConsumed.Add(ctx, 1)
	return rec.Remaining(), nil
}

// consumeLocal is the offline consume path against the mirror.
func (l *Ledger) consumeLocal(ctx context.Context, userID string, maxPerDay int, now time.Time) (int, error) {
	today := model.DayKey(now, l.loc)

	var (
		rec     model.QuotaRecord
		blocked bool
	)
	_, err := l.local.Update(ctx, MirrorCollection, userID, func(row localstore.Row) (localstore.Row, error) {
		rec = fromRow(row, userID, maxPerDay).RollOver(today)
		if blocked = rec.Exhausted(); blocked {
			return nil, nil
		}
		rec = rec.Consume()
		return toRow(rec, now), nil
	})
	if err != nil {
		return 0, fmt.Errorf("consuming local quota for %s: %w", userID, err)
	}

	l.cntFallback.Add(ctx, 1)
	if blocked {
		l.blocked(ctx, rec, true)
		return model.Blocked, nil
	}
	l.cntConsumed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("quota.offline", true)))
	l.events.Log(ctx, analytics.SwipeOfflineConsume,
		otellog.String("user.id", userID),
		otellog.Int("quota.used", rec.Used),
		otellog.Int("quota.max", rec.Max),
	)
	return rec.Remaining(), nil
}

func (l *Ledger) blocked(ctx context.Context, rec model.QuotaRecord, offline bool) {
	l.cntBlocked.Add(ctx, 1, metric.WithAttributes(attribute.Bool("quota.offline", offline)))
	l.events.Log(ctx, analytics.SwipeBlocked,
		otellog.String("user.id", rec.UserID),
		otellog.Int("quota.max", rec.Max),
		otellog.Bool("quota.offline", offline),
	)
	l.log.Info("swipe blocked, daily quota used up", "user_id", rec.UserID, "max", rec.Max, "offline", offline)
}

// Status reports userID's remaining allowance and when it resets, without
// writing anything. A transient remote failure is answered from the mirror.
func (l *Ledger) Status(ctx context.Context, userID string, maxPerDay int) (Status, error) {
	now := l.now()
	today := model.DayKey(now, l.loc)
	st := Status{WindowEndsAt: model.StartOfNextDay(now, l.loc)}

	doc, err := l.remote.Get(ctx, l.collection, userID)
	if err != nil {
		if !remote.IsTransient(err) {
			return Status{}, fmt.Errorf("reading quota for %s: %w", userID, err)
		}
		row, lerr := l.local.Get(ctx, MirrorCollection, userID)
		if lerr != nil {
			return Status{}, fmt.Errorf("reading local quota for %s: %w", userID, lerr)
		}
		st.Remaining = fromRow(row, userID, maxPerDay).RollOver(today).Remaining()
		st.Offline = true
		return st, nil
	}

	st.Remaining = fromDocument(doc, userID, maxPerDay).RollOver(today).Remaining()
	return st, nil
}

// Grant gives amount units back to userID for today, never taking usage
// below zero, and returns the new remaining count.
func (l *Ledger) Grant(ctx context.Context, userID string, amount, maxPerDay int) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("granting %d to %s: %w", amount, userID, ErrInvalidAmount)
	}
	rec, err := l.update(ctx, userID, maxPerDay, func(r model.QuotaRecord) model.QuotaRecord {
		return r.Grant(amount)
	})
	if err != nil {
		return 0, fmt.Errorf("granting quota to %s: %w", userID, err)
	}
	l.events.Log(ctx, analytics.QuotaGranted,
		otellog.String("user.id", userID),
		otellog.Int("quota.amount", amount),
	)
	return rec.Remaining(), nil
}

// Reset clears userID's usage for today.
func (l *Ledger) Reset(ctx context.Context, userID string, maxPerDay int) error {
	_, err := l.update(ctx, userID, maxPerDay, func(r model.QuotaRecord) model.QuotaRecord {
		r.Used = 0
		return r
	})
	if err != nil {
		return fmt.Errorf("resetting quota for %s: %w", userID, err)
	}
	return nil
}

// SetMax overrides userID's daily cap.
func (l *Ledger) SetMax(ctx context.Context, userID string, newMax int) error {
	if newMax < 0 {
		return fmt.Errorf("setting cap %d for %s: %w", newMax, userID, ErrInvalidAmount)
	}
	_, err := l.update(ctx, userID, newMax, func(r model.QuotaRecord) model.QuotaRecord {
		r.Max = newMax
		return r
	})
	if err != nil {
		return fmt.Errorf("setting quota cap for %s: %w", userID, err)
	}
	return nil
}

// Mirror returns the local shadow record of userID, if any.
func (l *Ledger) Mirror(ctx context.Context, userID string) (model.QuotaRecord, bool, error) {
	row, err := l.local.Get(ctx, MirrorCollection, userID)
	if err != nil {
		return model.QuotaRecord{}, false, fmt.Errorf("reading local quota for %s: %w", userID, err)
	}
	if row == nil {
		return model.QuotaRecord{}, false, nil
	}
	return fromRow(row, userID, 0), true, nil
}

// update applies fn to today's record inside a remote transaction and
// mirrors the result.
func (l *Ledger) update(ctx context.Context, userID string, maxPerDay int, fn func(model.QuotaRecord) model.QuotaRecord) (model.QuotaRecord, error) {
	now := l.now()
	today := model.DayKey(now, l.loc)

	var rec model.QuotaRecord
	err := l.remote.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		doc, err := tx.Get(l.collection, userID)
		if err != nil {
			return err
		}
		rec = fn(fromDocument(doc, userID, maxPerDay).RollOver(today))
		return tx.Set(l.collection, userID, toDocument(rec, now), false)
	})
	if err != nil {
		return model.QuotaRecord{}, err
	}
	l.mirror(ctx, rec, now)
	return rec, nil
}

// mirror overwrites the shadow copy with the authoritative record. Failures
// are logged; the mirror is second-class.
func (l *Ledger) mirror(ctx context.Context, rec model.QuotaRecord, now time.Time) {
	_, err := l.local.Update(ctx, MirrorCollection, rec.UserID, func(localstore.Row) (localstore.Row, error) {
		return toRow(rec, now), nil
	})
	if err != nil {
		l.log.Warn("updating local quota mirror", "user_id", rec.UserID, "error", err)
	}
}

// --- record mapping ----------------------------------------------------------

func fromDocument(doc *remote.Document, userID string, maxPerDay int) model.QuotaRecord {
	rec := model.QuotaRecord{UserID: userID, Max: maxPerDay}
	if doc == nil {
		return rec
	}
	rec.Day, _ = doc.Data[fieldDay].(string)
	rec.Used = clamp(numField(doc.Data[fieldUsed]))
	if m, ok := doc.Data[fieldMax]; ok {
		rec.Max = clamp(numField(m))
	}
	return rec
}

func toDocument(rec model.QuotaRecord, now time.Time) map[string]any {
	return map[string]any{
		fieldDay:       rec.Day,
		fieldUsed:      int64(rec.Used),
		fieldMax:       int64(rec.Max),
		fieldUpdatedAt: now,
	}
}

func fromRow(row localstore.Row, userID string, maxPerDay int) model.QuotaRecord {
	rec := model.QuotaRecord{UserID: userID, Max: maxPerDay}
	if row == nil {
		return rec
	}
	rec.Day, _ = row[fieldDay].(string)
	if n, ok := row[fieldUsed].(int64); ok {
		rec.Used = clamp(int(n))
	}
	if n, ok := row[fieldMax].(int64); ok {
		rec.Max = clamp(int(n))
	}
	return rec
}

func toRow(rec model.QuotaRecord, now time.Time) localstore.Row {
	return localstore.Row{
		localstore.IDColumn: rec.UserID,
		fieldDay:            rec.Day,
		fieldUsed:           int64(rec.Used),
		fieldMax:            int64(rec.Max),
		fieldUpdatedAt:      now.UnixMilli(),
	}
}

func numField(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
