package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ehr/interop/internal/domain/system"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/hl7v2"
)

const (
	fhirJSON        = "application/fhir+json"
	maxResponseBody = 4 << 20
)

// wireCall is one HTTP request of an attempt.
type wireCall struct {
	method       string
	url          string
	body         []byte
	ifNoneExist  string
	ifMatch      string
	expectType   string
	correlation  string
	allowMissing bool
}

// wireResult is a validated 2xx response.
type wireResult struct {
	status   int
	resource map[string]any
	location string
	etag     string
	ack      *hl7v2.Ack
}

func resourceURL(base, resourceType, id string) string {
	u := strings.TrimRight(base, "/") + "/" + resourceType
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func send(ctx context.Context, client *http.Client, sys *system.System, wc wireCall) (*wireResult, error) {
	var body io.Reader
	if wc.body != nil {
		body = bytes.NewReader(wc.body)
	}
	req, err := http.NewRequestWithContext(ctx, wc.method, wc.url, body)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidState, err, "build request")
	}
	req.Header.Set("Accept", fhirJSON)
	if wc.body != nil {
		req.Header.Set("Content-Type", fhirJSON)
		req.Header.Set("Prefer", "return=representation")
	}
	if wc.ifNoneExist != "" {
		req.Header.Set("If-None-Exist", wc.ifNoneExist)
	}
	if wc.ifMatch != "" {
		req.Header.Set("If-Match", `W/"`+wc.ifMatch+`"`)
	}
	if wc.correlation != "" {
		req.Header.Set("X-Correlation-ID", wc.correlation)
	}
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

	res := &wireResult{status: resp.StatusCode, location: resp.Header.Get("Location"), etag: resp.Header.Get("ETag")}
	if err := statusError(sys, resp.StatusCode, raw); err != nil {
		return res, err
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		if wc.allowMissing && res.location != "" {
			return res, nil
		}
		return res, faults.New(faults.RemoteServerError, "%s returned an empty body", sys.Name)
	}
	if err := json.Unmarshal(raw, &res.resource); err != nil {
		return res, faults.Wrap(faults.RemoteServerError, err, "%s returned invalid JSON", sys.Name)
	}
	if rt, _ := res.resource["resourceType"].(string); rt != wc.expectType {
		return res, faults.New(faults.RemoteServerError, "%s returned resourceType %q, expected %q", sys.Name, rt, wc.expectType)
	}
	return res, nil
}

func statusError(sys *system.System, status int, raw []byte) error {
	switch {
	case status >= 500:
		return faults.New(faults.RemoteServerError, "%s responded %d%s", sys.Name, status, issueText(raw))
	case status >= 400:
		return faults.New(faults.RemoteClientError, "%s responded %d%s", sys.Name, status, issueText(raw))
	case status < 200 || status >= 300:
		return faults.New(faults.RemoteServerError, "%s responded unexpected %d", sys.Name, status)
	}
	return nil
}

// classifyTransport maps a transport failure. Timeouts, including the
// caller's own deadline, are NetworkTimeout; refused or reset connections
// count as a remote server failure.
func classifyTransport(ctx context.Context, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return faults.Wrap(faults.NetworkTimeout, err, "request aborted")
	case errors.As(err, &ne) && ne.Timeout():
		return faults.Wrap(faults.NetworkTimeout, err, "request timed out")
	}
	return faults.Wrap(faults.RemoteServerError, err, "transport failure")
}

// issueText extracts the first OperationOutcome diagnostic, if any.
func issueText(raw []byte) string {
	var oo struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	if json.Unmarshal(raw, &oo) != nil || oo.ResourceType != "OperationOutcome" || len(oo.Issue) == 0 {
		return ""
	}
	return ": " + oo.Issue[0].Diagnostics
}

// identity returns the remote id and version of a response. The body
// wins; Location (.../Type/id/_history/v) and ETag fill gaps.
func (r *wireResult) identity() (id, version string) {
	if r.resource != nil {
		id, _ = r.resource["id"].(string)
		if meta, ok := r.resource["meta"].(map[string]any); ok {
			version, _ = meta["versionId"].(string)
		}
	}
	if r.location != "" {
		parts := strings.Split(strings.Trim(r.location, "/"), "/")
		for i, p := range parts {
			if p == "_history" && i > 0 {
				if id == "" {
					id = parts[i-1]
				}
				if version == "" && i+1 < len(parts) {
					version = parts[i+1]
				}
			}
		}
		if id == "" && len(parts) > 0 {
			id = parts[len(parts)-1]
		}
	}
	if version == "" && r.etag != "" {
		version = strings.Trim(strings.TrimPrefix(r.etag, "W/"), `"`)
	}
	return id, version
}

// conditionFor builds an If-None-Exist query from the first identifier.
func conditionFor(resource map[string]any) string {
	ids, _ := resource["identifier"].([]any)
	if len(ids) == 0 {
		return ""
	}
	first, _ := ids[0].(map[string]any)
	value, _ := first["value"].(string)
	if value == "" {
		return ""
	}
	token := value
	if sys, _ := first["system"].(string); sys != "" {
		token = sys + "|" + value
	}
	return "identifier=" + url.QueryEscape(token)
}

func statusOf(r *wireResult) int {
	if r == nil {
		return 0
	}
	return r.status
}
