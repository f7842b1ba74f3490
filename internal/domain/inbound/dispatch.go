package inbound

import (
	"context"

	"github.com/ehr/interop/internal/domain/clinical"
	"github.com/ehr/interop/internal/platform/faults"
	"github.com/ehr/interop/internal/platform/mapping"
)

// kindHandler turns a validated intake into the entities it creates or
// updates. Handlers only decode; the router persists the unit.
type kindHandler func(r *Router, in *intake) ([]mapping.Attributes, error)

// handlers is indexed by Kind and sized by kindCount, so every kind has a
// slot; unrecognized messages have an explicit failing handler.
var handlers = [kindCount]kindHandler{
	KindUnrecognized: handleUnrecognized,
	KindAdmission:    handleAdmission,
	KindObservation:  handleObservation,
	KindOrder:        handleOrder,
}

func handleUnrecognized(_ *Router, in *intake) ([]mapping.Attributes, error) {
	return nil, faults.New(faults.UnrecognizedMessageType, "no handler for message type %q", in.messageType)
}

// admissionStatus maps ADT trigger events onto the encounter status.
var admissionStatus = map[string]string{
	"A01": "in-progress",
	"A02": "in-progress",
	"A03": "finished",
	"A04": "arrived",
	"A05": "planned",
	"A08": "in-progress",
	"A11": "cancelled",
	"A13": "in-progress",
}

func handleAdmission(r *Router, in *intake) ([]mapping.Attributes, error) {
	units, err := r.decode(in, clinical.Admission)
	if err != nil {
		return nil, err
	}
	if in.msg != nil {
		if status, ok := admissionStatus[in.msg.Trigger]; ok {
			units[0]["status"] = status
		}
	}
	return units, nil
}

func handleObservation(r *Router, in *intake) ([]mapping.Attributes, error) {
	return r.decode(in, clinical.Observation)
}

func handleOrder(r *Router, in *intake) ([]mapping.Attributes, error) {
	return r.decode(in, clinical.Order)
}

// decode maps the intake onto one attribute set per entity instance. For
// segmented messages each occurrence of the rule set's repeat segment is
// one instance.
func (r *Router) decode(in *intake, entity string) ([]mapping.Attributes, error) {
	if in.resource != nil {
		attrs, fe, err := r.engine.DecodeJSON(entity, in.resource)
		if err != nil {
			return nil, faults.Wrap(faults.TransformError, err, "decode %s", entity)
		}
		if err := r.fieldErrors(in, fe); err != nil {
			return nil, err
		}
		return []mapping.Attributes{attrs}, nil
	}

	n := 1
	if seg := r.engine.Catalog().RepeatSegment(entity); seg != "" {
		if n = in.msg.Count(seg); n == 0 {
			return nil, faults.New(faults.TransformError, "%s message has no %s segment", in.messageType, seg)
		}
	}
	units := make([]mapping.Attributes, 0, n)
	for i := 0; i < n; i++ {
		attrs, fe, err := r.engine.DecodeHL7(entity, in.msg, i)
		if err != nil {
			return nil, faults.Wrap(faults.TransformError, err, "decode %s", entity)
		}
		if err := r.fieldErrors(in, fe); err != nil {
			return nil, err
		}
		units = append(units, attrs)
	}
	return units, nil
}

// fieldErrors fails on severe field errors. The rest are kept for the
// audit row of the attempt.
func (r *Router) fieldErrors(in *intake, fe mapping.FieldErrors) error {
	if severe := fe.Severe(); len(severe) > 0 {
		return severe.Err()
	}
	if len(fe) > 0 {
		in.skipped = append(in.skipped, fe.Summary())
		r.logger.Warn().
			Str("system", in.system).
			Str("message_type", in.messageType).
			Str("fields", fe.Summary()).
			Msg("fields skipped while decoding")
	}
	return nil
}

// persist builds the entities of one message and applies them as a unit.
func (r *Router) persist(ctx context.Context, in *intake, kind Kind, units []mapping.Attributes) ([]*clinical.Entity, error) {
	entities := make([]*clinical.Entity, 0, len(units))
	for _, attrs := range units {
		e, err := clinical.New(kind.String(), in.systemID, attrs)
		if err != nil {
			return nil, faults.Wrap(faults.TransformError, err, "identify %s", kind)
		}
		id := in.messageID
		e.SourceMessageID = &id
		entities = append(entities, e)
	}
	saved, err := r.entities.Apply(ctx, entities)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, err, "store %s entities", kind)
	}
	return saved, nil
}
