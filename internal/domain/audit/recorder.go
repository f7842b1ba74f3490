package audit

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/platform/faults"
)

const maxDetail = 1024

// Call describes an attempt before it runs.
type Call struct {
	Direction     Direction
	SystemID      uuid.UUID
	SystemName    string
	Operation     string
	CorrelationID uuid.UUID
	MessageID     *uuid.UUID
	Attempt       int
	Payload       []byte
	ContentType   string
}

// Result is what an exchange reports about itself besides its error. The
// consent outcome must be set once the exchange has reached the consent
// step; a zero value is recorded as not_evaluated.
type Result struct {
	Consent    consent.Outcome
	StatusCode int
	Detail     string
}

// Exchange performs one attempt.
type Exchange func(ctx context.Context) (Result, error)

// Archive keeps payloads addressed by their hash.
type Archive interface {
	Put(ctx context.Context, hash string, payload []byte, contentType string) error
}

// Observer is notified of every appended row.
type Observer interface {
	ObserveExchange(direction, system, operation, consent, outcome string, latency time.Duration)
}

// Recorder runs exchanges and appends their audit rows. Both the inbound
// router and the outbound client go through Run, so an attempt cannot
// complete without a row.
type Recorder struct {
	store    Store
	archive  Archive
	observer Observer
	unit     Unit
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		unit:   direct,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// WithArchive stores payloads alongside their hashes.
func (r *Recorder) WithArchive(a Archive) *Recorder {
	r.archive = a
	return r
}

func (r *Recorder) WithObserver(o Observer) *Recorder {
	r.observer = o
	return r
}

// WithClock replaces the recording clock.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Unit runs fn as one unit of work: writes made through the derived context
// are kept only if fn succeeds.
type Unit func(ctx context.Context, fn func(ctx context.Context) error) error

// Settle finishes an exchange in the unit of work that appends its row. It
// receives the exchange error and returns the outcome to record.
type Settle func(ctx context.Context, err error) error

func direct(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// WithUnit makes settling and appending atomic. Without one they are
// separate writes.
func (r *Recorder) WithUnit(u Unit) *Recorder {
	r.unit = u
	return r
}

// Run executes fn and appends one Transaction describing it. The row is
// written even when ctx has been cancelled. The returned error is fn's
// error; if the append itself fails the operation fails with Internal,
// since an unrecorded exchange has not completed.
func (r *Recorder) Run(ctx context.Context, call Call, fn Exchange) (*Transaction, error) {
	return r.RunSettled(ctx, call, fn, nil)
}

// RunSettled is Run with a final step whose failure becomes the recorded
// outcome. settle runs in the same unit of work as the append, so a failed
// append also undoes it when the unit is transactional.
func (r *Recorder) RunSettled(ctx context.Context, call Call, fn Exchange, settle Settle) (*Transaction, error) {
	start := r.now()
	res, err := fn(ctx)

	var (
		t       *Transaction
		outcome error
	)
	aerr := r.unit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		outcome = err
		if settle != nil {
			if serr := settle(ctx, err); serr != nil && err == nil {
				outcome = serr
				res.Detail = ""
			}
		}
		t = r.build(call, res, outcome, r.now().Sub(start))
		return r.appendRow(ctx, t, call.Payload, call.ContentType)
	})
	if aerr != nil {
		return nil, faults.Wrap(faults.Internal, errors.Join(outcome, aerr), "audit append failed")
	}
	r.observe(t)
	return t, outcome
}

// Append writes a fully built row. Callers other than Run use it only for
// rows that document an attempt refused before any exchange started.
func (r *Recorder) Append(ctx context.Context, t *Transaction, payload []byte, contentType string) error {
	if err := r.appendRow(context.WithoutCancel(ctx), t, payload, contentType); err != nil {
		return err
	}
	r.observe(t)
	return nil
}

func (r *Recorder) appendRow(ctx context.Context, t *Transaction, payload []byte, contentType string) error {
	if r.archive != nil && t.PayloadHash != "" {
		if err := r.archive.Put(ctx, t.PayloadHash, payload, contentType); err != nil {
			r.logger.Warn().Err(err).Str("payload_hash", t.PayloadHash).Msg("payload archive failed")
		}
	}
	if err := r.store.Append(ctx, t); err != nil {
		r.logger.Error().Err(err).
			Str("correlation_id", t.CorrelationID.String()).
			Str("outcome", string(t.Outcome)).
			Msg("audit append failed")
		return err
	}
	return nil
}

func (r *Recorder) observe(t *Transaction) {
	if r.observer != nil {
		r.observer.ObserveExchange(string(t.Direction), t.SystemName, t.Operation,
			string(t.Consent), string(t.Outcome), t.Latency)
	}
	r.logger.Debug().
		Str("direction", string(t.Direction)).
		Str("system", t.SystemName).
		Str("operation", t.Operation).
		Str("correlation_id", t.CorrelationID.String()).
		Int("attempt", t.Attempt).
		Str("consent", string(t.Consent)).
		Str("outcome", string(t.Outcome)).
		Dur("latency", t.Latency).
		Msg("exchange recorded")
}

func (r *Recorder) build(call Call, res Result, err error, latency time.Duration) *Transaction {
	detail := res.Detail
	if detail == "" && err != nil {
		detail = faults.Detail(err)
	}
	detail = truncate(detail, maxDetail)
	outcome := res.Consent
	if outcome == "" {
		outcome = consent.NotEvaluated
	}
	correlation := call.CorrelationID
	if correlation == uuid.Nil {
		correlation = uuid.New()
	}
	attempt := call.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return &Transaction{
		ID:            uuid.New(),
		Direction:     call.Direction,
		SystemID:      call.SystemID,
		SystemName:    call.SystemName,
		Operation:     call.Operation,
		CorrelationID: correlation,
		MessageID:     call.MessageID,
		Attempt:       attempt,
		PayloadHash:   HashPayload(call.Payload),
		PayloadSize:   len(call.Payload),
		Consent:       outcome,
		Outcome:       OutcomeOf(err),
		StatusCode:    res.StatusCode,
		Detail:        detail,
		Latency:       latency,
		RecordedAt:    r.now().UTC(),
	}
}

// truncate cuts s to at most n bytes on a rune boundary. Detail is stored
// as TEXT, which rejects invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return strings.ToValidUTF8(s, "")
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.ToValidUTF8(s[:n], "")
}
