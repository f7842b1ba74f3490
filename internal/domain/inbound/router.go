package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/events"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/hl7v2"
	"github.com/ehr/interop/internal/platform/mapping"
)

// DefaultMaxAttempts bounds reprocessing of one message.
const DefaultMaxAttempts = 5

// Directory resolves active counterparties by name.
type Directory interface {
	Active(ctx context.Context, name string) (*system.System, error)
}

// Observer receives the terminal status of every attempt.
type Observer interface {
	ObserveInbound(kind, status string)
}

// Options wires a Router. Publisher, Observer and MaxAttempts are optional.
type Options struct {
	Systems     Directory
	Gatekeeper  *consent.Gatekeeper
	Consents    consent.Snapshot
	Engine      *mapping.Engine
	Entities    clinical.Repository
	Recorder    *audit.Recorder
	Store       Store
	Publisher   events.Publisher
	Observer    Observer
	MaxAttempts int
	Logger      zerolog.Logger
}

// Router drives messages through the processing state machine.
type Router struct {
	systems     Directory
	gate        *consent.Gatekeeper
	consents    consent.Snapshot
	engine      *mapping.Engine
	entities    clinical.Repository
	recorder    *audit.Recorder
	store       Store
	publisher   events.Publisher
	observer    Observer
	maxAttempts int
	seq         *sequencer
	logger      zerolog.Logger
	now         func() time.Time
}

func NewRouter(o Options) *Router {
	r := &Router{
		systems:     o.Systems,
		gate:        o.Gatekeeper,
		consents:    o.Consents,
		engine:      o.Engine,
		entities:    o.Entities,
		recorder:    o.Recorder,
		store:       o.Store,
		publisher:   o.Publisher,
		observer:    o.Observer,
		maxAttempts: o.MaxAttempts,
		seq:         newSequencer(),
		logger:      o.Logger.With().Str("component", "router").Logger(),
		now:         time.Now,
	}
	if r.publisher == nil {
		r.publisher = events.Nop{}
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = DefaultMaxAttempts
	}
	return r
}

// WithClock replaces the router clock.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Envelope is one delivered payload.
type Envelope struct {
	System        string
	Format        Format
	Body          []byte
	CorrelationID uuid.UUID
}

// Outcome is the result of processing one attempt. Err is the failure that
// ended the attempt, if any; it is already recorded and acknowledged.
type Outcome struct {
	Message     *Message
	Attempt     *Attempt
	Ack         hl7v2.Ack
	AckBytes    []byte
	Transaction *audit.Transaction
	Err         error
}

// Completed reports whether the attempt reached completed.
func (o *Outcome) Completed() bool {
	return o.Attempt != nil && o.Attempt.Status == StatusCompleted
}

// intake is a message prepared for one attempt.
type intake struct {
	messageID   uuid.UUID
	system      string
	systemID    uuid.UUID
	format      Format
	raw         []byte
	delims      hl7v2.Delimiters
	header      hl7v2.Header
	msg         *hl7v2.Message
	resource    map[string]any
	parseErr    error
	kind        Kind
	messageType string
	patientID   string
	// skipped holds the field errors decoding tolerated.
	skipped []string
}

// Receive stores a delivered payload as a new message and processes its
// first attempt. The returned error is non-nil only when nothing could be
// stored: an unknown system or a storage failure.
func (r *Router) Receive(ctx context.Context, env Envelope) (*Outcome, error) {
	sys, err := r.systems.Active(ctx, env.System)
	if err != nil {
		if errors.Is(err, system.ErrNotFound) {
			return nil, faults.Wrap(faults.NotFound, err, "system %s", env.System)
		}
		return nil, faults.Wrap(faults.Internal, err, "resolve system %s", env.System)
	}
	if env.Format == "" {
		env.Format = FormatHL7v2
	}

	now := r.now().UTC()
	msg := &Message{
		ID:          uuid.New(),
		SystemID:    sys.ID,
		SystemName:  sys.Name,
		Format:      env.Format,
		ContentHash: audit.HashPayload(env.Body),
		Size:        len(env.Body),
		Raw:         env.Body,
		ReceivedAt:  now,
	}
	att := newAttempt(msg.ID, 1, env.CorrelationID, now)
	if err := r.store.CreateMessage(ctx, msg, att); err != nil {
		return nil, faults.Wrap(faults.Internal, err, "store message")
	}
	r.logger.Info().
		Str("system", sys.Name).
		Str("message_id", msg.ID.String()).
		Str("format", string(msg.Format)).
		Int("size", msg.Size).
		Msg("message received")
	return r.process(ctx, sys, msg, att), nil
}

// Reprocess starts a new attempt of a message whose latest attempt failed
// and processes it.
func (r *Router) Reprocess(ctx context.Context, messageID uuid.UUID, correlation uuid.UUID) (*Reprocessed, *Outcome, error) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, faults.New(faults.NotFound, "message %s", messageID)
		}
		return nil, nil, faults.Wrap(faults.Internal, err, "load message")
	}
	attempts, err := r.store.Attempts(ctx, messageID)
	if err != nil {
		return nil, nil, faults.Wrap(faults.Internal, err, "load attempts")
	}
	latest := attempts[len(attempts)-1]
	if latest.Status != StatusFailed {
		return nil, nil, faults.New(faults.InvalidState,
			"latest attempt %d is %s, only failed messages can be reprocessed", latest.Number, latest.Status)
	}
	if latest.Number >= r.maxAttempts {
		return nil, nil, faults.New(faults.InvalidState,
			"message already has %d attempts, the limit is %d", latest.Number, r.maxAttempts)
	}

	sys, err := r.systems.Active(ctx, msg.SystemName)
	if err != nil {
		if errors.Is(err, system.ErrNotFound) {
			return nil, nil, faults.Wrap(faults.NotFound, err, "system %s", msg.SystemName)
		}
		return nil, nil, faults.Wrap(faults.Internal, err, "resolve system %s", msg.SystemName)
	}

	att := newAttempt(msg.ID, latest.Number+1, correlation, r.now().UTC())
	if err := r.store.AddAttempt(ctx, att); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, nil, faults.Wrap(faults.OptimisticConcurrencyConflict, err, "message %s was reprocessed concurrently", msg.ID)
		}
		return nil, nil, faults.Wrap(faults.Internal, err, "store attempt")
	}
	r.logger.Info().
		Str("system", sys.Name).
		Str("message_id", msg.ID.String()).
		Int("attempt", att.Number).
		Str("prior_failure", string(latest.FailureCategory)).
		Msg("message reprocessing")

	out := r.process(ctx, sys, msg, att)
	return &Reprocessed{
		Attempt:       out.Attempt,
		PriorCategory: latest.FailureCategory,
		PriorReason:   latest.FailureReason,
	}, out, nil
}

// Get returns a message with its attempts.
func (r *Router) Get(ctx context.Context, id uuid.UUID) (*Message, []*Attempt, error) {
	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := r.store.Attempts(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return msg, attempts, nil
}

func (r *Router) prepare(sys *system.System, msg *Message) *intake {
	in := &intake{
		messageID: msg.ID,
		system:    sys.Name,
		systemID:  sys.ID,
		format:    msg.Format,
		raw:       msg.Raw,
		delims:    sys.Delimiters(),
	}
	if msg.Format == FormatFHIR {
		r.prepareResource(in)
		return in
	}

	body := hl7v2.Unframe(msg.Raw)
	parsed, err := hl7v2.Parse(body, in.delims)
	if err != nil {
		in.parseErr = err
		in.header, _ = hl7v2.Peek(body, in.delims)
		in.messageType = in.header.Type
		return in
	}
	in.msg = parsed
	in.header = parsed.Header
	in.messageType = parsed.Type
	in.kind = kindOfHL7(parsed.Code)
	in.patientID = parsed.PatientID()
	return in
}

func (r *Router) prepareResource(in *intake) {
	if err := json.Unmarshal(in.raw, &in.resource); err != nil || in.resource == nil {
		in.resource = nil
		in.parseErr = faults.New(faults.MalformedSegment, "body is not a JSON resource")
		return
	}
	rt, _ := in.resource["resourceType"].(string)
	if rt == "" {
		in.parseErr = faults.New(faults.MalformedSegment, "resource has no resourceType")
		return
	}
	in.messageType = rt
	if entity, ok := r.engine.Catalog().EntityForResource(rt); ok {
		in.kind = kindByName(entity)
	}
	if subject, ok := in.resource["subject"].(map[string]any); ok {
		ref, _ := subject["reference"].(string)
		in.patientID = strings.TrimPrefix(ref, "Patient/")
	}
	if id, _ := in.resource["id"].(string); id != "" {
		in.header.ControlID = id
	}
}

func (in *intake) sequenceKey() string {
	return in.systemID.String() + "|" + in.patientID
}

func (in *intake) operation() string {
	if in.messageType != "" {
		return in.messageType
	}
	return "intake"
}

func (r *Router) process(ctx context.Context, sys *system.System, msg *Message, att *Attempt) *Outcome {
	in := r.prepare(sys, msg)
	att.Kind = in.kind
	att.ControlID = in.header.ControlID
	att.MessageType = in.messageType
	log := r.logger.With().
		Str("system", sys.Name).
		Str("message_id", msg.ID.String()).
		Int("attempt", att.Number).
		Str("correlation_id", att.CorrelationID.String()).
		Logger()

	call := audit.Call{
		Direction:     audit.Inbound,
		SystemID:      sys.ID,
		SystemName:    sys.Name,
		Operation:     in.operation(),
		CorrelationID: att.CorrelationID,
		MessageID:     &msg.ID,
		Attempt:       att.Number,
		Payload:       msg.Raw,
		ContentType:   msg.Format.ContentType(),
	}
	tx, err := r.recorder.RunSettled(ctx, call, func(ctx context.Context) (audit.Result, error) {
		var res audit.Result
		release, err := r.seq.Acquire(ctx, in.sequenceKey())
		if err != nil {
			return res, faults.Wrap(faults.NetworkTimeout, err, "gave up waiting for earlier messages")
		}
		defer release()
		if err := r.steps(ctx, sys, in, att, &res); err != nil {
			return res, err
		}
		if len(in.skipped) > 0 {
			res.Detail = "skipped fields, " + strings.Join(in.skipped, "; ")
		}
		return res, nil
	}, func(ctx context.Context, err error) error {
		return r.settle(ctx, att, err, log)
	})

	if tx == nil {
		// No row was appended. A transactional unit undid the terminal
		// write with it; the attempt is failed from its stored state.
		wctx := context.WithoutCancel(ctx)
		if cur, gerr := r.store.GetAttempt(wctx, att.ID); gerr == nil {
			cur.Kind, cur.ControlID, cur.MessageType = att.Kind, att.ControlID, att.MessageType
			*att = *cur
		}
		r.fail(wctx, att, err, log)
	}

	out := &Outcome{Message: msg, Attempt: att, Transaction: tx, Err: err}
	r.acknowledge(in, out)
	if r.observer != nil {
		r.observer.ObserveInbound(att.Kind.String(), string(att.Status))
	}

	if err != nil {
		log.Warn().
			Str("outcome", string(faults.CategoryOf(err))).
			Str("message_type", in.messageType).
			Msg("message failed")
		return out
	}
	log.Info().
		Str("message_type", in.messageType).
		Int("entities", len(att.EntityIDs)).
		Msg("message completed")
	r.announce(ctx, sys, msg, att)
	return out
}

// settle writes the terminal status of an attempt. A failed completed
// write fails the attempt instead, so it can be reprocessed.
func (r *Router) settle(ctx context.Context, att *Attempt, err error, log zerolog.Logger) error {
	if err == nil {
		now := r.now().UTC()
		if err = r.advance(ctx, att, StatusCompleted, func(a *Attempt) { a.CompletedAt = &now }); err == nil {
			return nil
		}
	}
	r.fail(ctx, att, err, log)
	return err
}

func (r *Router) fail(ctx context.Context, att *Attempt, err error, log zerolog.Logger) {
	if att.Status.Terminal() {
		return
	}
	now := r.now().UTC()
	cat, reason := faults.CategoryOf(err), faults.Detail(err)
	if werr := r.advance(ctx, att, StatusFailed, func(a *Attempt) {
		a.FailureCategory, a.FailureReason, a.CompletedAt = cat, reason, &now
	}); werr != nil {
		log.Error().Err(werr).Msg("failed status not recorded")
	}
}

// steps runs the attempt up to dispatch. res.Consent is set once the
// consent step is reached.
func (r *Router) steps(ctx context.Context, sys *system.System, in *intake, att *Attempt, res *audit.Result) error {
	if in.parseErr != nil {
		return in.parseErr
	}
	var structure []byte
	if in.msg != nil {
		structure, _ = json.Marshal(in.msg)
	} else {
		structure = in.raw
	}
	err := r.advance(ctx, att, StatusParsed, func(a *Attempt) {
		a.PatientID = in.patientID
		a.Structure = structure
	})
	if err != nil {
		return err
	}

	if in.kind == KindUnrecognized {
		_, err := handlers[KindUnrecognized](r, in)
		return err
	}
	if in.patientID == "" {
		return faults.New(faults.MalformedSegment, "%s carries no patient identifier", in.messageType)
	}

	decision, err := r.decide(ctx, sys, in)
	if err != nil {
		return err
	}
	res.Consent = decision.Outcome
	if !decision.Permits() {
		return decision.Err()
	}
	if err := r.advance(ctx, att, StatusConsentChecked, nil); err != nil {
		return err
	}

	if err := r.advance(ctx, att, StatusDispatched, nil); err != nil {
		return err
	}
	units, err := handlers[in.kind](r, in)
	if err != nil {
		return err
	}
	saved, err := r.persist(ctx, in, in.kind, units)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, len(saved))
	for i, e := range saved {
		ids[i] = e.ID
	}
	att.EntityIDs = ids
	return nil
}

// decide infers the purpose from the header: the data category is the
// message kind, production messages are treatment and the rest operations.
func (r *Router) decide(ctx context.Context, sys *system.System, in *intake) (consent.Decision, error) {
	if sys.Internal {
		return consent.Exempt(), nil
	}
	if r.consents == nil {
		return consent.Decision{Outcome: consent.Unknown, Reason: "no consent source"}, nil
	}
	purpose := consent.Purpose{Use: consent.UseOperations, DataCategory: in.kind.String()}
	if in.msg == nil || strings.HasPrefix(in.header.ProcessingID, "P") {
		purpose.Use = consent.UseTreatment
	}
	return r.gate.Check(ctx, r.consents, in.patientID, purpose)
}

// advance moves att to status to. A stale version is retried once after
// reloading, and only when the stored status still matches ours.
func (r *Router) advance(ctx context.Context, att *Attempt, to Status, set func(*Attempt)) error {
	for retried := false; ; retried = true {
		if !att.Status.CanMoveTo(to) {
			return faults.New(faults.InvalidState, "attempt %d cannot move from %s to %s", att.Number, att.Status, to)
		}
		next := *att
		if set != nil {
			set(&next)
		}
		next.Status = to
		next.UpdatedAt = r.now().UTC()
		err := r.store.UpdateAttempt(ctx, &next)
		if err == nil {
			*att = next
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return faults.Wrap(faults.Internal, err, "write attempt status")
		}
		if retried {
			return faults.Wrap(faults.OptimisticConcurrencyConflict, err, "attempt %d changed while moving to %s", att.Number, to)
		}
		cur, gerr := r.store.GetAttempt(ctx, att.ID)
		if gerr != nil {
			return faults.Wrap(faults.Internal, gerr, "reload attempt")
		}
		if cur.Status != att.Status {
			return faults.New(faults.OptimisticConcurrencyConflict,
				"attempt %d moved to %s concurrently", att.Number, cur.Status)
		}
		att.Version = cur.Version
	}
}

// acknowledge fills the acknowledgment of a finished attempt. Segmented
// messages get ACK bytes; resources get only the structured Ack.
func (r *Router) acknowledge(in *intake, out *Outcome) {
	if out.Err == nil {
		out.Ack = hl7v2.Accept(in.header.ControlID)
	} else {
		cat := faults.CategoryOf(out.Err)
		reason := string(cat)
		if cat == faults.ConsentDenied || cat == faults.ConsentUnknown {
			reason = "consent"
		}
		out.Ack = hl7v2.Reject(in.header.ControlID, cat, reason, faults.Detail(out.Err))
	}
	if in.format != FormatHL7v2 {
		return
	}
	out.AckBytes = hl7v2.Serialize(hl7v2.BuildAck(in.header, in.delims, out.Ack, r.now()))
}

func (r *Router) announce(ctx context.Context, sys *system.System, msg *Message, att *Attempt) {
	id := msg.ID
	e := events.Event{
		ID:            uuid.New(),
		Type:          events.InboundCompleted,
		OccurredAt:    r.now().UTC(),
		System:        sys.Name,
		CorrelationID: att.CorrelationID,
		MessageID:     &id,
		Attempt:       att.Number,
		Kind:          att.Kind.String(),
		EntityIDs:     att.EntityIDs,
	}
	if err := r.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("completion event not published")
	}
}
