package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/hl7v2"
	"github.com/ehr/interop/internal/platform/mapping"
)

const (
	mimeHL7            = "x-application/hl7-v2+er7"
	sendingApplication = "INTEROP"
	defaultHL7Version  = "2.5"
)

// messageTypes names the segmented message sent for each entity.
var messageTypes = map[string][2]string{
	"admission":   {"ADT", "A01"},
	"observation": {"ORU", "R01"},
	"order":       {"ORM", "O01"},
}

// Send delivers an entity to a system as a segmented message and succeeds
// only on a positive acknowledgment.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	return c.execute(ctx, OpSend, req)
}

// controlID derives MSH-10 from the correlation id, so every attempt of a
// call carries the same control id.
func controlID(correlation uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(correlation.String(), "-", ""))[:20]
}

func (c *Client) planMessage(p *plan) error {
	mt, ok := messageTypes[p.req.Entity]
	if !ok {
		return faults.New(faults.TransformError, "no segmented message for entity %q", p.req.Entity)
	}
	trigger := mt[1]
	if p.req.Trigger != "" {
		trigger = p.req.Trigger
	}
	version := p.sys.ProtocolVersion
	if version == "" {
		version = defaultHL7Version
	}
	p.delims = p.sys.Delimiters()
	msg := hl7v2.NewMessage(hl7v2.Header{
		SendingApp:   sendingApplication,
		ReceivingApp: p.sys.Name,
		Timestamp:    c.now().UTC(),
		Code:         mt[0],
		Trigger:      trigger,
		ControlID:    controlID(p.req.CorrelationID),
		Version:      version,
	}, p.delims)

	instances := p.req.Instances
	if len(instances) == 0 {
		instances = []mapping.Attributes{p.req.Attributes}
	}
	for i, attrs := range instances {
		fe, err := c.engine.EncodeHL7(p.req.Entity, attrs, msg, i)
		if err != nil {
			return faults.Wrap(faults.TransformError, err, "encode %s", p.req.Entity)
		}
		if severe := fe.Severe(); len(severe) > 0 {
			return severe.Err()
		}
		if len(fe) > 0 {
			p.skipped = append(p.skipped, fmt.Sprintf("encode %d: %s", i+1, fe.Summary()))
			c.logger.Warn().Str("system", p.sys.Name).Str("fields", fe.Summary()).Msg("fields skipped while encoding")
		}
	}

	p.resourceType = msg.Type
	p.controlID = msg.ControlID
	p.wire = wireCall{
		method:      http.MethodPost,
		url:         p.sys.BaseURL,
		body:        hl7v2.Serialize(msg),
		correlation: p.req.CorrelationID.String(),
	}
	return nil
}

// sendMessage posts a segmented message and reads the acknowledgment. AE
// is a remote server failure and may be retried; AR is final.
func sendMessage(ctx context.Context, client *http.Client, p *plan) (*wireResult, error) {
	sys := p.sys
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.wire.url, bytes.NewReader(p.wire.body))
	if err != nil {
		return nil, faults.Wrap(faults.InvalidState, err, "build request")
	}
	req.Header.Set("Content-Type", mimeHL7)
	req.Header.Set("Accept", mimeHL7)
	req.Header.Set("X-Correlation-ID", p.wire.correlation)
	if err := system.Authorize(req, sys); err != nil {
		return nil, faults.Wrap(faults.InvalidState, err, "credential for %s", sys.Name)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &wireResult{status: resp.StatusCode}, classifyTransport(ctx, err)
	}
	res := &wireResult{status: resp.StatusCode}
	if err := statusError(sys, resp.StatusCode, raw); err != nil {
		return res, err
	}

	msg, err := hl7v2.Parse(hl7v2.Unframe(raw), p.delims)
	if err != nil {
		return res, faults.Wrap(faults.RemoteServerError, err, "%s returned an unreadable acknowledgment", sys.Name)
	}
	ack, err := hl7v2.ReadAck(msg)
	if err != nil {
		return res, faults.Wrap(faults.RemoteServerError, err, "%s returned an unreadable acknowledgment", sys.Name)
	}
	if ack.ControlID != p.controlID {
		return res, faults.New(faults.RemoteServerError, "%s acknowledged %q, expected %q", sys.Name, ack.ControlID, p.controlID)
	}
	res.ack = &ack
	switch ack.Code {
	case hl7v2.AckError:
		return res, faults.New(faults.RemoteServerError, "%s answered AE%s", sys.Name, ackText(ack))
	case hl7v2.AckReject:
		return res, faults.New(faults.RemoteClientError, "%s answered AR%s", sys.Name, ackText(ack))
	}
	return res, nil
}

func ackText(a hl7v2.Ack) string {
	switch {
	case a.Detail != "":
		return ": " + a.Detail
	case a.Reason != "":
		return ": " + a.Reason
	}
	return ""
}
