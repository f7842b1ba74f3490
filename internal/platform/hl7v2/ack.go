package hl7v2

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehr/interop/internal/platform/faults"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	AckAccept AckCode = "AA"
	// AckError tells the sender the failure is transient and the message may be resent.
	AckError AckCode = "AE"
	// AckReject tells the sender the message will never be accepted as sent.
	AckReject AckCode = "AR"
)

// Ack is the structured content of an acknowledgment.
type Ack struct {
	Code      AckCode         `json:"code"`
	ControlID string          `json:"control_id"` // echoed MSH-10 of the triggering message
	Category  faults.Category `json:"category,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// Accepted reports whether the acknowledgment is positive.
func (a Ack) Accepted() bool { return a.Code == AckAccept }

// Accept builds a positive acknowledgment for controlID.
func Accept(controlID string) Ack {
	return Ack{Code: AckAccept, ControlID: controlID}
}

// Reject builds a negative acknowledgment. Transient categories use AE,
// permanent ones AR.
func Reject(controlID string, category faults.Category, reason, detail string) Ack {
	code := AckReject
	if category.Transient() {
		code = AckError
	}
	return Ack{Code: code, ControlID: controlID, Category: category, Reason: reason, Detail: detail}
}

// errorCodes maps categories onto HL7 table 0357 message error codes.
var errorCodes = map[faults.Category][2]string{
	faults.MalformedSegment:        {"102", "Data type error"},
	faults.UnrecognizedMessageType: {"200", "Unsupported message type"},
	faults.NotFound:                {"204", "Unknown key identifier"},
}

// BuildAck creates an ACK message answering the message described by h.
// Sender and receiver are swapped and the ACK control id is derived from the
// triggering control id, so the same input always yields the same ACK for a
// fixed clock.
func BuildAck(h Header, d Delimiters, a Ack, now time.Time) *Message {
	controlID := "ACK" + a.ControlID
	if a.ControlID == "" {
		controlID = "ACK" + now.UTC().Format("20060102150405.000")
	}
	m := NewMessage(Header{
		SendingApp:   h.ReceivingApp,
		SendingFac:   h.ReceivingFac,
		ReceivingApp: h.SendingApp,
		ReceivingFac: h.SendingFac,
		Timestamp:    now.UTC(),
		Code:         "ACK",
		Trigger:      h.Trigger,
		ControlID:    controlID,
		ProcessingID: h.ProcessingID,
		Version:      h.Version,
	}, d)

	msa := m.AddSegment("MSA")
	msa.SetField(1, string(a.Code), d)
	msa.SetField(2, a.ControlID, d)
	if a.Reason != "" {
		msa.SetField(3, a.Reason, d)
	}

	if !a.Accepted() {
		err := m.AddSegment("ERR")
		code, ok := errorCodes[a.Category]
		if !ok {
			code = [2]string{"207", "Application internal error"}
		}
		err.SetComponent(3, 1, code[0], d)
		err.SetComponent(3, 2, code[1], d)
		err.SetComponent(3, 3, "HL70357", d)
		err.SetField(4, "E", d)
		class := "permanent"
		if a.Category.Transient() {
			class = "transient"
		}
		err.SetComponent(5, 1, string(a.Category), d)
		err.SetComponent(5, 2, class, d)
		if a.Detail != "" {
			err.SetField(8, a.Detail, d)
		}
	}
	return m
}

// ReadAck extracts the acknowledgment content of a parsed ACK message.
func ReadAck(m *Message) (Ack, error) {
	msa := m.GetSegment("MSA")
	if msa == nil {
		return Ack{}, errors.New("hl7v2: acknowledgment has no MSA segment")
	}
	a := Ack{
		Code:      AckCode(msa.GetComponent(1, 1)),
		ControlID: msa.GetComponent(2, 1),
		Reason:    msa.GetComponent(3, 1),
	}
	switch a.Code {
	case AckAccept, AckError, AckReject:
	default:
		return Ack{}, fmt.Errorf("hl7v2: unknown acknowledgment code %q", a.Code)
	}
	if e := m.GetSegment("ERR"); e != nil {
		a.Category = faults.Category(e.GetComponent(5, 1))
		a.Detail = e.GetComponent(8, 1)
	}
	return a, nil
}
