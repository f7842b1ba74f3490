package hl7v2

import (
	"strings"
	"time"
)

// NewMessage starts a message with an MSH segment populated from h.
func NewMessage(h Header, d Delimiters) *Message {
	m := &Message{Header: h, Delimiters: d}
	if m.Type == "" && m.Code != "" {
		m.Type = m.Code
		if m.Trigger != "" {
			m.Type += "^" + m.Trigger
		}
	}
	sep := string(d.Field)
	enc := d.EncodingCharacters()
	msh := Segment{Name: "MSH", Fields: []Field{
		{Value: sep, Components: []string{sep}}, // MSH-1
		{Value: enc, Components: []string{enc}}, // MSH-2
	}}
	m.Segments = append(m.Segments, msh)

	s := &m.Segments[0]
	s.SetComponent(3, 1, h.SendingApp, d)
	s.SetComponent(4, 1, h.SendingFac, d)
	s.SetComponent(5, 1, h.ReceivingApp, d)
	s.SetComponent(6, 1, h.ReceivingFac, d)
	if !h.Timestamp.IsZero() {
		s.SetField(7, FormatTimestamp(h.Timestamp), d)
	}
	s.SetComponent(9, 1, m.Code, d)
	if m.Trigger != "" {
		s.SetComponent(9, 2, m.Trigger, d)
	}
	s.SetField(10, h.ControlID, d)
	processing := h.ProcessingID
	if processing == "" {
		processing = "P"
	}
	s.SetField(11, processing, d)
	s.SetField(12, h.Version, d)
	m.ProcessingID = processing
	return m
}

// FormatTimestamp renders t as an HL7v2 YYYYMMDDHHmmss timestamp.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// Segment returns the n-th (0-based) segment with the given name, appending
// empty segments until it exists.
func (m *Message) Segment(name string, n int) *Segment {
	for m.Count(name) <= n {
		m.Segments = append(m.Segments, Segment{Name: name})
	}
	return m.SegmentAt(name, n)
}

// AddSegment appends a segment with the given raw field values.
func (m *Message) AddSegment(name string, values ...string) *Segment {
	seg := Segment{Name: name}
	for _, v := range values {
		seg.Fields = append(seg.Fields, parseField(v, m.Delimiters))
	}
	m.Segments = append(m.Segments, seg)
	return &m.Segments[len(m.Segments)-1]
}

func (s *Segment) grow(index int) *Field {
	for len(s.Fields) < index {
		s.Fields = append(s.Fields, Field{Components: []string{""}})
	}
	return &s.Fields[index-1]
}

// SetField replaces field index (1-based) with a single escaped value.
func (s *Segment) SetField(index int, value string, d Delimiters) {
	if index < 1 || (s.Name == "MSH" && index <= 2) {
		return
	}
	f := s.grow(index)
	*f = Field{Value: Escape(value, d), Components: []string{value}}
}

// SetComponent replaces component comp (1-based) of field index in the first
// repetition, keeping other components.
func (s *Segment) SetComponent(index, comp int, value string, d Delimiters) {
	if comp < 1 {
		return
	}
	if index < 1 || (s.Name == "MSH" && index <= 2) {
		return
	}
	f := s.grow(index)
	for len(f.Components) < comp {
		f.Components = append(f.Components, "")
	}
	f.Components[comp-1] = value
	if len(f.Repeats) > 0 {
		f.Repeats[0] = f.Components
	}
	f.Value = encodeField(f, d)
}

func encodeField(f *Field, d Delimiters) string {
	reps := f.Repeats
	if len(reps) == 0 {
		reps = [][]string{f.Components}
	}
	out := make([]string, len(reps))
	for i, rep := range reps {
		parts := make([]string, len(rep))
		for j, c := range rep {
			parts[j] = Escape(c, d)
		}
		out[i] = strings.TrimRight(strings.Join(parts, string(d.Component)), string(d.Component))
	}
	return strings.Join(out, string(d.Repetition))
}

// Serialize renders m with its own delimiters, terminating every segment.
func Serialize(m *Message) []byte {
	d := m.Delimiters
	if d.Segment == "" {
		d = DefaultDelimiters()
	}
	var b strings.Builder
	for _, seg := range m.Segments {
		b.WriteString(serializeSegment(seg, d))
		b.WriteString(d.Segment)
	}
	return []byte(b.String())
}

// serializeSegment converts a Segment back into its HL7v2 string form,
// padding empty trailing fields up to MinimumFields.
func serializeSegment(seg Segment, d Delimiters) string {
	sep := string(d.Field)
	fields := seg.Fields
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself and is written implicitly.
		if len(fields) < 2 {
			return "MSH" + sep + d.EncodingCharacters()
		}
		fields = fields[1:]
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Value
	}
	n := MinimumFields[seg.Name]
	if seg.Name == "MSH" {
		n--
	}
	for len(parts) < n {
		parts = append(parts, "")
	}
	if len(parts) == 0 {
		return seg.Name
	}
	return seg.Name + sep + strings.Join(parts, sep)
}

// Escape encodes delimiter characters in s using HL7 escape sequences:
//
//	\F\ field, \S\ component, \R\ repetition, \E\ escape, \T\ subcomponent
func Escape(s string, d Delimiters) string {
	if s == "" {
		return s
	}
	e := string(d.Escape)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case d.Escape:
			b.WriteString(e + "E" + e)
		case d.Field:
			b.WriteString(e + "F" + e)
		case d.Component:
			b.WriteString(e + "S" + e)
		case d.Repetition:
			b.WriteString(e + "R" + e)
		case d.Subcomponent:
			b.WriteString(e + "T" + e)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// unescape decodes the sequences written by Escape. Unknown sequences are
// kept verbatim.
func unescape(s string, d Delimiters) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != d.Escape || i+2 >= len(s) || s[i+2] != d.Escape {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case 'F':
			b.WriteByte(d.Field)
		case 'S':
			b.WriteByte(d.Component)
		case 'R':
			b.WriteByte(d.Repetition)
		case 'E':
			b.WriteByte(d.Escape)
		case 'T':
			b.WriteByte(d.Subcomponent)
		default:
			b.WriteString(s[i : i+3])
		}
		i += 2
	}
	return b.String()
}
