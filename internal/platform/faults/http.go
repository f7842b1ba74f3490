package faults

import "net/http"

// HTTPStatus is the response status for a failure of category c.
func HTTPStatus(c Category) int {
	switch c {
	case MalformedSegment:
		return http.StatusBadRequest
	case ConsentDenied, ConsentUnknown:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case OptimisticConcurrencyConflict, InvalidState:
		return http.StatusConflict
	case UnrecognizedMessageType, TransformError:
		return http.StatusUnprocessableEntity
	case RemoteServerError, RemoteClientError:
		return http.StatusBadGateway
	case NetworkTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// issueCode maps a category onto the FHIR issue-type value set.
func issueCode(c Category) string {
	switch c {
	case MalformedSegment:
		return "structure"
	case ConsentDenied, ConsentUnknown:
		return "forbidden"
	case NotFound:
		return "not-found"
	case OptimisticConcurrencyConflict:
		return "conflict"
	case InvalidState:
		return "business-rule"
	case UnrecognizedMessageType:
		return "not-supported"
	case TransformError:
		return "value"
	case NetworkTimeout:
		return "timeout"
	case RemoteServerError, RemoteClientError:
		return "transient"
	}
	return "exception"
}

// OperationOutcome renders err as a FHIR OperationOutcome problem body.
// Internal details are not exposed.
func OperationOutcome(err error) map[string]any {
	c := CategoryOf(err)
	diagnostics := Detail(err)
	if c == Internal {
		diagnostics = "internal error"
	}
	severity := "error"
	if c.Transient() {
		severity = "warning"
	}
	return map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{{
			"severity":    severity,
			"code":        issueCode(c),
			"details":     map[string]any{"text": string(c)},
			"diagnostics": diagnostics,
		}},
	}
}
