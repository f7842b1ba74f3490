package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/consent"
	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/events"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/hl7v2"
	"github.com/ehr/interop/internal/platform/mapping"
)

// Directory resolves active counterparties by name.
type Directory interface {
	Active(ctx context.Context, name string) (*system.System, error)
}

// Options wires a Client. Publisher, Retried and HTTPClient are optional.
type Options struct {
	Systems    Directory
	Gatekeeper *consent.Gatekeeper
	Consents   consent.Snapshot
	Engine     *mapping.Engine
	Recorder   *audit.Recorder
	Store      Store
	Pool       *Pool
	Policy     Policy
	HTTPClient *http.Client
	Publisher  events.Publisher
	Retried    func(system string)
	Logger     zerolog.Logger
}

type Client struct {
	systems   Directory
	gate      *consent.Gatekeeper
	consents  consent.Snapshot
	engine    *mapping.Engine
	recorder  *audit.Recorder
	store     Store
	pool      *Pool
	policy    Policy
	http      *http.Client
	publisher events.Publisher
	retried   func(string)
	logger    zerolog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(time.Duration) time.Duration
}

func NewClient(o Options) *Client {
	policy := o.Policy.normalized()
	c := &Client{
		systems:   o.Systems,
		gate:      o.Gatekeeper,
		consents:  o.Consents,
		engine:    o.Engine,
		recorder:  o.Recorder,
		store:     o.Store,
		pool:      o.Pool,
		policy:    policy,
		http:      o.HTTPClient,
		publisher: o.Publisher,
		retried:   o.Retried,
		logger:    o.Logger.With().Str("component", "exchange").Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.pool == nil {
		c.pool = NewPool(policy.SlotWait, nil)
	}
	if c.publisher == nil {
		c.publisher = events.Nop{}
	}
	if c.retried == nil {
		c.retried = func(string) {}
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) Policy() Policy { return c.policy }

func (c *Client) Create(ctx context.Context, req Request) (*Response, error) {
	return c.execute(ctx, OpCreate, req)
}

func (c *Client) Read(ctx context.Context, req Request) (*Response, error) {
	return c.execute(ctx, OpRead, req)
}

func (c *Client) Update(ctx context.Context, req Request) (*Response, error) {
	return c.execute(ctx, OpUpdate, req)
}

func (c *Client) Search(ctx context.Context, req Request) (*Response, error) {
	return c.execute(ctx, OpSearch, req)
}

// plan is everything an attempt needs, fixed before the first attempt.
type plan struct {
	op           Operation
	sys          *system.System
	req          Request
	resourceType string
	wire         wireCall
	stored       *Resource
	skipped      []string
	delims       hl7v2.Delimiters
	controlID    string
}

func (c *Client) execute(ctx context.Context, op Operation, req Request) (*Response, error) {
	sys, err := c.systems.Active(ctx, req.System)
	if err != nil {
		if errors.Is(err, system.ErrNotFound) {
			return nil, faults.Wrap(faults.NotFound, err, "system %s", req.System)
		}
		return nil, faults.Wrap(faults.Internal, err, "resolve system %s", req.System)
	}
	if req.CorrelationID == uuid.Nil {
		req.CorrelationID = uuid.New()
	}
	if req.PatientID == "" {
		req.PatientID = req.Attributes["patient_id"]
	}
	if req.PatientID == "" && len(req.Instances) > 0 {
		req.PatientID = req.Instances[0]["patient_id"]
	}
	call := audit.Call{
		Direction:     audit.Outbound,
		SystemID:      sys.ID,
		SystemName:    sys.Name,
		Operation:     string(op),
		CorrelationID: req.CorrelationID,
		Attempt:       1,
	}
	log := c.logger.With().
		Str("system", sys.Name).
		Str("operation", string(op)).
		Str("correlation_id", req.CorrelationID.String()).
		Logger()

	decision, err := c.decide(ctx, sys, req)
	if err != nil {
		return nil, c.refuse(ctx, call, audit.Result{}, err)
	}
	if !decision.Permits() {
		log.Info().Str("consent", string(decision.Outcome)).Msg("outbound call refused by consent")
		return nil, c.refuse(ctx, call, audit.Result{Consent: decision.Outcome, Detail: decision.Reason}, decision.Err())
	}

	p, err := c.plan(ctx, op, sys, req)
	if err != nil {
		return nil, c.refuse(ctx, call, audit.Result{Consent: decision.Outcome}, err)
	}
	call.Payload = p.wire.body
	call.ContentType = fhirJSON
	if op == OpSend {
		call.ContentType = mimeHL7
	}

	var (
		resp      *Response
		delivered bool
		lastErr   error
	)
	for n := 1; n <= c.policy.MaxAttempts; n++ {
		if n > 1 {
			c.retried(sys.Name)
		}
		call.Attempt = n
		tx, err := c.recorder.Run(ctx, call, func(ctx context.Context) (audit.Result, error) {
			res, err := c.attempt(ctx, p)
			if err != nil {
				c.onFailure(ctx, p, res)
				return audit.Result{Consent: decision.Outcome, StatusCode: statusOf(res)}, err
			}
			delivered = true
			resp, err = c.complete(ctx, p, res)
			out := audit.Result{Consent: decision.Outcome, StatusCode: res.status}
			if err == nil && len(resp.Skipped) > 0 {
				out.Detail = "skipped fields, " + strings.Join(resp.Skipped, "; ")
			}
			return out, err
		})
		lastErr = err
		if err == nil {
			resp.Attempts = n
			break
		}
		log.Warn().Err(err).Int("attempt", n).Msg("outbound attempt failed")
		if tx == nil || delivered || !faults.IsTransient(err) || n == c.policy.MaxAttempts || ctx.Err() != nil {
			break
		}
		if c.sleep(ctx, c.policy.Backoff(n, c.jitter)) != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	if op == OpCreate || op == OpUpdate || op == OpSend {
		c.announce(ctx, sys, req, resp)
	}
	return resp, nil
}

// refuse records a call that ended before any network attempt.
func (c *Client) refuse(ctx context.Context, call audit.Call, res audit.Result, cause error) error {
	_, err := c.recorder.Run(ctx, call, func(context.Context) (audit.Result, error) {
		return res, cause
	})
	return err
}

func (c *Client) decide(ctx context.Context, sys *system.System, req Request) (consent.Decision, error) {
	if sys.Internal {
		return consent.Exempt(), nil
	}
	snap := req.Consent
	if snap == nil {
		snap = c.consents
	}
	if snap == nil {
		return consent.Decision{Outcome: consent.Unknown, Reason: "no consent source"}, nil
	}
	purpose := req.Purpose
	if purpose.Use == "" {
		purpose.Use = consent.UseTreatment
	}
	if purpose.DataCategory == "" {
		purpose.DataCategory = req.Entity
	}
	return c.gate.Check(ctx, snap, req.PatientID, purpose)
}

func (c *Client) plan(ctx context.Context, op Operation, sys *system.System, req Request) (*plan, error) {
	if op == OpSend {
		p := &plan{op: op, sys: sys, req: req}
		if err := c.planMessage(p); err != nil {
			return nil, err
		}
		return p, nil
	}
	rt := c.engine.Catalog().ResourceType(req.Entity)
	if rt == "" {
		return nil, faults.New(faults.TransformError, "no resource mapping for entity %q", req.Entity)
	}
	p := &plan{op: op, sys: sys, req: req, resourceType: rt}
	p.wire.correlation = req.CorrelationID.String()

	if op == OpRead || op == OpUpdate {
		if err := c.locate(ctx, p); err != nil {
			return nil, err
		}
	}

	switch op {
	case OpCreate, OpUpdate:
		resource, fe, err := c.engine.EncodeJSON(req.Entity, req.Attributes)
		if err != nil {
			return nil, faults.Wrap(faults.TransformError, err, "encode %s", req.Entity)
		}
		if severe := fe.Severe(); len(severe) > 0 {
			return nil, severe.Err()
		}
		if len(fe) > 0 {
			p.skipped = append(p.skipped, "encode: "+fe.Summary())
			c.logger.Warn().Str("system", sys.Name).Str("fields", fe.Summary()).Msg("fields skipped while encoding")
		}
		if op == OpCreate {
			p.wire.method = http.MethodPost
			p.wire.url = resourceURL(sys.BaseURL, rt, "")
			p.wire.ifNoneExist = conditionFor(resource)
		} else {
			resource["id"] = p.req.ResourceID
			p.wire.method = http.MethodPut
			p.wire.url = resourceURL(sys.BaseURL, rt, p.req.ResourceID)
			p.wire.ifMatch = p.req.Version
		}
		body, err := json.Marshal(resource)
		if err != nil {
			return nil, faults.Wrap(faults.TransformError, err, "marshal %s", rt)
		}
		p.wire.body = body
		p.wire.expectType = rt
		p.wire.allowMissing = true
	case OpRead:
		p.wire.method = http.MethodGet
		p.wire.url = resourceURL(sys.BaseURL, rt, p.req.ResourceID)
		p.wire.expectType = rt
	case OpSearch:
		q := url.Values{}
		for k, v := range req.Query {
			q[k] = append([]string(nil), v...)
		}
		// Results are limited to the patient the consent check covered.
		q.Set("patient", "Patient/"+req.PatientID)
		p.wire.method = http.MethodGet
		p.wire.url = resourceURL(sys.BaseURL, rt, "") + "?" + q.Encode()
		p.wire.expectType = "Bundle"
	}
	return p, nil
}

// locate fills the remote id and version of a read or update from the
// request or from the exchanged resource record of the domain entity.
func (c *Client) locate(ctx context.Context, p *plan) error {
	var (
		r   *Resource
		err error
	)
	switch {
	case p.req.ResourceID != "":
		r, err = c.store.Get(ctx, p.sys.ID, p.resourceType, p.req.ResourceID)
	case p.req.EntityID != nil:
		r, err = c.store.FindByEntity(ctx, p.sys.ID, p.req.Entity, *p.req.EntityID)
	default:
		return faults.New(faults.InvalidState, "%s needs a resource id or entity id", p.op)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		if p.req.ResourceID == "" {
			return faults.New(faults.NotFound, "entity %s was never exchanged with %s", p.req.EntityID, p.sys.Name)
		}
	case err != nil:
		return faults.Wrap(faults.Internal, err, "load exchanged resource")
	default:
		p.stored = r
		p.req.ResourceID = r.ExternalID
		if p.req.Version == "" {
			p.req.Version = r.VersionID
		}
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, p *plan) (*wireResult, error) {
	size := p.sys.MaxConcurrency
	if size < 1 {
		size = c.policy.MaxConcurrency
	}
	release, err := c.pool.Acquire(ctx, p.sys.Name, size)
	if err != nil {
		return nil, err
	}
	defer release()

	actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()
	if p.op == OpSend {
		return sendMessage(actx, c.http, p)
	}
	return send(actx, c.http, p.sys, p.wire)
}

// onFailure marks a known resource invalid when the remote side reports it
// gone.
func (c *Client) onFailure(ctx context.Context, p *plan, res *wireResult) {
	if p.stored == nil || res == nil || (res.status != http.StatusNotFound && res.status != http.StatusGone) {
		return
	}
	if err := c.store.Invalidate(context.WithoutCancel(ctx), p.stored.ID, c.now().UTC()); err != nil {
		c.logger.Error().Err(err).Str("resource_id", p.stored.ID.String()).Msg("invalidate exchanged resource")
	}
}

// complete decodes a successful response and records the exchanged
// resource. It runs only after the remote side accepted the call, so it
// is not subject to the caller's cancellation.
func (c *Client) complete(ctx context.Context, p *plan, res *wireResult) (*Response, error) {
	ctx = context.WithoutCancel(ctx)
	resp := &Response{
		CorrelationID: p.req.CorrelationID,
		StatusCode:    res.status,
		ResourceType:  p.resourceType,
		Skipped:       append([]string(nil), p.skipped...),
	}

	switch p.op {
	case OpSearch:
		return resp, c.decodeBundle(p, res.resource, resp)
	case OpSend:
		resp.ControlID = p.controlID
		resp.Ack = res.ack
		return resp, nil
	}

	resp.ResourceID, resp.VersionID = res.identity()
	if resp.ResourceID == "" {
		resp.ResourceID = p.req.ResourceID
	}
	if p.op == OpRead {
		attrs, fe, err := c.engine.DecodeJSON(p.req.Entity, res.resource)
		if err != nil {
			return nil, faults.Wrap(faults.TransformError, err, "decode %s", p.resourceType)
		}
		if severe := fe.Severe(); len(severe) > 0 {
			return nil, severe.Err()
		}
		if len(fe) > 0 {
			resp.Skipped = append(resp.Skipped, "decode: "+fe.Summary())
		}
		resp.Attributes = attrs
	}
	if resp.ResourceID == "" {
		return nil, faults.New(faults.RemoteServerError, "%s did not return a resource id", p.sys.Name)
	}

	saved, err := c.store.Sync(ctx, &Resource{
		SystemID:     p.sys.ID,
		ResourceType: p.resourceType,
		ExternalID:   resp.ResourceID,
		Entity:       p.req.Entity,
		EntityID:     p.req.EntityID,
		VersionID:    resp.VersionID,
		Valid:        true,
		SyncedAt:     c.now().UTC(),
	})
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "record exchanged resource")
	}
	resp.Resource = saved
	return resp, nil
}

func (c *Client) decodeBundle(p *plan, bundle map[string]any, resp *Response) error {
	if total, ok := bundle["total"].(float64); ok {
		resp.Total = int(total)
	}
	entries, _ := bundle["entry"].([]any)
	skipped := 0
	for _, e := range entries {
		entry, _ := e.(map[string]any)
		resource, _ := entry["resource"].(map[string]any)
		if rt, _ := resource["resourceType"].(string); rt != p.resourceType {
			continue
		}
		attrs, fe, err := c.engine.DecodeJSON(p.req.Entity, resource)
		if err != nil {
			return faults.Wrap(faults.TransformError, err, "decode %s", p.resourceType)
		}
		if len(fe.Severe()) > 0 {
			skipped++
			continue
		}
		resp.Results = append(resp.Results, attrs)
	}
	if skipped > 0 {
		resp.Skipped = append(resp.Skipped, fmt.Sprintf("search: %d entries not decoded", skipped))
		c.logger.Warn().Str("system", p.sys.Name).Int("skipped", skipped).Msg("search entries failed to decode")
	}
	if resp.Total == 0 {
		resp.Total = len(resp.Results)
	}
	return nil
}

func (c *Client) announce(ctx context.Context, sys *system.System, req Request, resp *Response) {
	e := events.Event{
		ID:            uuid.New(),
		Type:          events.OutboundCompleted,
		OccurredAt:    c.now().UTC(),
		System:        sys.Name,
		CorrelationID: req.CorrelationID,
		Kind:          req.Entity,
		ResourceType:  resp.ResourceType,
		ResourceID:    resp.ResourceID,
	}
	if req.EntityID != nil {
		e.EntityIDs = []uuid.UUID{*req.EntityID}
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn().Err(err).Str("system", sys.Name).Msg("completion event not published")
	}
}
