package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/interop/internal/platform/faults"
)

// Delimiters are the encoding characters of a segmented message. Field,
// Component and Segment are configurable per counterparty.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
	Segment      string
}

// DefaultDelimiters returns the conventional |^~\& encoding with a
// carriage-return segment terminator.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        '|',
		Component:    '^',
		Repetition:   '~',
		Escape:       '\\',
		Subcomponent: '&',
		Segment:      "\r",
	}
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

func (d Delimiters) validate() error {
	if d.Segment == "" {
		return fmt.Errorf("hl7v2: segment terminator is empty")
	}
	seen := map[byte]bool{}
	for _, c := range []byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent} {
		if c == 0 || c == '\r' || c == '\n' {
			return fmt.Errorf("hl7v2: invalid delimiter %q", c)
		}
		if seen[c] {
			return fmt.Errorf("hl7v2: delimiter %q used twice", c)
		}
		seen[c] = true
	}
	return nil
}

// Header holds the commonly used MSH fields.
type Header struct {
	SendingApp   string    `json:"sending_app"`   // MSH-3
	SendingFac   string    `json:"sending_fac"`   // MSH-4
	ReceivingApp string    `json:"receiving_app"` // MSH-5
	ReceivingFac string    `json:"receiving_fac"` // MSH-6
	Timestamp    time.Time `json:"timestamp"`     // MSH-7
	Type         string    `json:"type"`          // MSH-9 as CODE^TRIGGER
	Code         string    `json:"code"`          // MSH-9.1
	Trigger      string    `json:"trigger"`       // MSH-9.2
	ControlID    string    `json:"control_id"`    // MSH-10
	ProcessingID string    `json:"processing_id"` // MSH-11
	Version      string    `json:"version"`       // MSH-12
}

// Message represents a parsed HL7v2 message.
type Message struct {
	Header
	Delimiters Delimiters `json:"-"`
	Segments   []Segment  `json:"segments"`
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string  `json:"name"` // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field `json:"fields"`
}

// Field represents a field which can have components and repetitions.
// Value is the raw encoded text; Components and Repeats are decoded.
type Field struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// MinimumFields is the smallest field count accepted per segment type. For
// MSH the count includes MSH-1.
var MinimumFields = map[string]int{
	"MSH": 12,
	"EVN": 1,
	"PID": 3,
	"PV1": 2,
	"ORC": 1,
	"OBR": 4,
	"OBX": 5,
	"MSA": 2,
}

func malformed(format string, args ...any) error {
	return faults.New(faults.MalformedSegment, format, args...)
}

// Parse tokenizes raw into a Message using d. Parsing is all-or-nothing:
// any tokenization failure returns a MalformedSegment error and no message.
func Parse(raw []byte, d Delimiters) (*Message, error) {
	if err := d.validate(); err != nil {
		return nil, faults.Wrap(faults.MalformedSegment, err, "delimiters")
	}
	if len(raw) == 0 {
		return nil, malformed("message is empty")
	}
	for _, b := range raw {
		if b == MLLPStartBlock || b == MLLPEndBlock || b == 0 {
			return nil, malformed("message contains framing or NUL bytes")
		}
	}

	lines := splitSegments(string(raw), d.Segment)
	if len(lines) == 0 {
		return nil, malformed("no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, malformed("first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{Delimiters: d}
	for i, line := range lines {
		seg, err := parseSegment(line, d)
		if err != nil {
			return nil, malformed("segment %d: %v", i+1, err)
		}
		if want, ok := MinimumFields[seg.Name]; ok && len(seg.Fields) < want {
			return nil, malformed("segment %d: %s has %d fields, minimum is %d", i+1, seg.Name, len(seg.Fields), want)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}
	return msg, nil
}

// splitSegments splits text on the terminator and drops blank lines. With
// the default terminator, \r\n and \n are accepted as well.
func splitSegments(text, terminator string) []string {
	if terminator == "\r" {
		text = strings.ReplaceAll(text, "\r\n", "\r")
		text = strings.ReplaceAll(text, "\n", "\r")
	}
	var out []string
	for _, line := range strings.Split(text, terminator) {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	name := line[:3]
	if !validSegmentName(name) {
		return Segment{}, fmt.Errorf("untokenizable segment %q", truncate(line, 16))
	}
	if len(line) > 3 && line[3] != d.Field {
		return Segment{}, fmt.Errorf("%s: expected field separator %q after segment name, got %q", name, d.Field, line[3])
	}

	seg := Segment{Name: name}
	sep := string(d.Field)

	// MSH-1 is the field separator itself and MSH-2 holds the encoding
	// characters verbatim, so fields[0] = MSH-1 and fields[1] = MSH-2.
	if name == "MSH" {
		if len(line) < 4 {
			return seg, fmt.Errorf("MSH: missing field separator")
		}
		parts := strings.Split(line[4:], sep)
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}})
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
		return seg, nil
	}

	if len(line) >= 4 {
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling components and repetitions.
func parseField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		parts := strings.Split(rep, string(d.Component))
		for i := range parts {
			parts[i] = unescape(parts[i], d)
		}
		f.Repeats = append(f.Repeats, parts)
	}
	f.Components = f.Repeats[0]
	if len(f.Repeats) == 1 {
		f.Repeats = nil
	}
	return f
}

// extractMSHFields copies MSH fields into the Header. A header without a
// message type or control id is unparsable.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return malformed("MSH segment not found")
	}

	enc := msh.GetField(2)
	if enc == "" || enc[0] != m.Delimiters.Component {
		return malformed("MSH-2 declares encoding characters %q, expected component separator %q", enc, m.Delimiters.Component)
	}

	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)
	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.Code = msh.GetComponent(9, 1)
	m.Trigger = msh.GetComponent(9, 2)
	if m.Code == "" {
		return malformed("MSH-9 message type is empty")
	}
	m.Type = m.Code
	if m.Trigger != "" {
		m.Type += "^" + m.Trigger
	}

	m.ControlID = msh.GetField(10)
	if m.ControlID == "" {
		return malformed("MSH-10 control id is empty")
	}
	m.ProcessingID = msh.GetComponent(11, 1)
	m.Version = msh.GetComponent(12, 1)
	return nil
}

// ParseTimestamp parses an HL7v2 timestamp (YYYYMMDDHHmmss, YYYYMMDDHHmm
// or YYYYMMDD). Fractional seconds and zone offsets are ignored.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "+-"); i >= 8 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	switch len(s) {
	case 14:
		return time.Parse("20060102150405", s)
	case 12:
		return time.Parse("200601021504", s)
	case 8:
		return time.Parse("20060102", s)
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// Peek extracts header identifiers from raw without validating the rest of
// the message. It is used to address a negative acknowledgment when Parse
// fails; ok is false when no MSH line can be found.
func Peek(raw []byte, d Delimiters) (h Header, ok bool) {
	if d.Segment == "" || d.Field == 0 {
		d = DefaultDelimiters()
	}
	for _, line := range splitSegments(string(raw), d.Segment) {
		line = strings.TrimLeft(line, "\x0b")
		if !strings.HasPrefix(line, "MSH") || len(line) < 4 {
			continue
		}
		parts := strings.Split(line[4:], string(line[3]))
		get := func(n int) string {
			// parts[0] is MSH-2
			if n-2 < len(parts) {
				return parts[n-2]
			}
			return ""
		}
		first := func(v string) string {
			if i := strings.IndexByte(v, d.Component); i >= 0 {
				return v[:i]
			}
			return v
		}
		h.SendingApp = first(get(3))
		h.SendingFac = first(get(4))
		h.ReceivingApp = first(get(5))
		h.ReceivingFac = first(get(6))
		h.Type = strings.ReplaceAll(get(9), string(d.Component), "^")
		h.Code = first(get(9))
		if typ := strings.Split(get(9), string(d.Component)); len(typ) > 1 {
			h.Trigger = typ[1]
		}
		h.ControlID = get(10)
		h.Version = first(get(12))
		return h, true
	}
	return Header{}, false
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	return m.SegmentAt(name, 0)
}

// SegmentAt returns the n-th (0-based) segment with the given name.
func (m *Message) SegmentAt(name string, n int) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name != name {
			continue
		}
		if n == 0 {
			return &m.Segments[i]
		}
		n--
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Count returns the number of segments with the given name.
func (m *Message) Count(name string) int {
	n := 0
	for _, seg := range m.Segments {
		if seg.Name == name {
			n++
		}
	}
	return n
}

// field returns the field at 1-based index. For MSH, MSH-1 is Fields[0].
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a decoded component value by 1-based field and
// component indices, taken from the first repetition.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Components) {
		return ""
	}
	return f.Components[ci]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.GetComponent(5, 1), pid.GetComponent(5, 2)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
