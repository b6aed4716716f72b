// Package template implements the ProtocolTemplate data type used to
// parse scale line-protocol frames into named fields, plus a
// content-addressed repository for persisting templates.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldKind is the closed set of field interpretations a FieldSpec may carry.
type FieldKind string

const (
	KindLookup  FieldKind = "lookup"
	KindNumeric FieldKind = "numeric"
	KindLiteral FieldKind = "literal"
	KindIgnore  FieldKind = "ignore"
)

// FieldSpec describes one fixed-width column of a delimited frame.
type FieldSpec struct {
	Name          string            `json:"name"`
	Start         int               `json:"start"`
	Length        int               `json:"length"`
	FieldType     FieldKind         `json:"field_type"`
	DecimalPlaces *int              `json:"decimal_places,omitempty"`
	Values        map[string]string `json:"values,omitempty"`
}

// end returns the exclusive end offset of the field.
func (f FieldSpec) end() int { return f.Start + f.Length }

// ProtocolTemplate deterministically parses one frame into named values.
type ProtocolTemplate struct {
	TemplateID       string      `json:"template_id"`
	Name             string      `json:"name"`
	Delimiter        string      `json:"delimiter"`
	Encoding         string      `json:"encoding"`
	Fields           []FieldSpec `json:"fields"`
	ConfidenceScore  float64     `json:"confidence_score"`
}

// ErrOverlap and ErrOffset report FieldSpec invariant violations.
var (
	ErrOverlap = fmt.Errorf("template: field ranges overlap")
	ErrOffset  = fmt.Errorf("template: field offset exceeds frame length")
)

// Validate checks the field-range invariants: field ranges must not
// overlap. Offset-within-frame-length is checked separately by Apply
// since it depends on the concrete frame.
func (t ProtocolTemplate) Validate() error {
	if t.TemplateID == "" {
		return fmt.Errorf("template: template_id is required")
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("template %q: at least one field is required", t.TemplateID)
	}
	fields := append([]FieldSpec(nil), t.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Start < fields[j].Start })
	for i, f := range fields {
		if f.Length <= 0 {
			return fmt.Errorf("template %q: field %q has non-positive length", t.TemplateID, f.Name)
		}
		switch f.FieldType {
		case KindLookup, KindNumeric, KindLiteral, KindIgnore:
		default:
			return fmt.Errorf("template %q: field %q has unknown field_type %q", t.TemplateID, f.Name, f.FieldType)
		}
		if i > 0 && fields[i-1].end() > f.Start {
			return fmt.Errorf("%w: %q overlaps %q", ErrOverlap, fields[i-1].Name, f.Name)
		}
	}
	return nil
}

// FrameLength is the minimal frame length this template requires.
func (t ProtocolTemplate) FrameLength() int {
	max := 0
	for _, f := range t.Fields {
		if e := f.end(); e > max {
			max = e
		}
	}
	return max
}

// ParsedFrame holds the named values decoded from one frame.
type ParsedFrame struct {
	Values map[string]any
}

// Apply decodes one delimited frame using the template's FieldSpecs.
// All offsets must lie within frame; numeric fields require at least one
// digit; lookup fields must map to a known symbol.
func (t ProtocolTemplate) Apply(frame []byte) (ParsedFrame, error) {
	out := ParsedFrame{Values: make(map[string]any, len(t.Fields))}
	for _, f := range t.Fields {
		if f.end() > len(frame) {
			return out, fmt.Errorf("%w: field %q end=%d frame_len=%d", ErrOffset, f.Name, f.end(), len(frame))
		}
		raw := frame[f.Start:f.end()]
		switch f.FieldType {
		case KindIgnore:
			continue
		case KindLiteral:
			out.Values[f.Name] = string(raw)
		case KindLookup:
			sym := strings.TrimSpace(string(raw))
			if f.Values != nil {
				if mapped, ok := f.Values[sym]; ok {
					out.Values[f.Name] = mapped
					continue
				}
			}
			return out, fmt.Errorf("template %q: field %q: unmapped lookup symbol %q", t.TemplateID, f.Name, sym)
		case KindNumeric:
			v, err := DecodeNumeric(raw, decimalPlaces(f))
			if err != nil {
				return out, fmt.Errorf("template %q: field %q: %w", t.TemplateID, f.Name, err)
			}
			out.Values[f.Name] = v
		default:
			return out, fmt.Errorf("template %q: field %q: unknown field_type %q", t.TemplateID, f.Name, f.FieldType)
		}
	}
	return out, nil
}

func decimalPlaces(f FieldSpec) int {
	if f.DecimalPlaces == nil {
		return 0
	}
	return *f.DecimalPlaces
}

// DecodeNumeric parses a fixed-decimal-place numeric field: optional
// leading sign, embedded spaces treated as padding, digits interpreted
// with d implied fractional digits. Rejects substrings with no digits.
// Exported so the discovery engine can reuse the exact same decode path
// it ultimately emits into the template.
func DecodeNumeric(raw []byte, decimals int) (float64, error) {
	trimmed := bytes.ReplaceAll(raw, []byte(" "), []byte(""))
	s := string(trimmed)
	if s == "" {
		return 0, fmt.Errorf("numeric field is empty after trimming padding")
	}
	neg := false
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		neg = true
		s = s[1:]
	}
	hasDigit := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			hasDigit = true
			break
		}
	}
	if !hasDigit {
		return 0, fmt.Errorf("numeric field %q contains no digits", string(raw))
	}
	// A literal decimal point in the field overrides the implied placement.
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("numeric field %q: %w", string(raw), err)
		}
		if neg {
			v = -v
		}
		return v, nil
	}
	digits := s
	intVal, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("numeric field %q: %w", string(raw), err)
	}
	v := float64(intVal)
	if decimals > 0 {
		div := 1.0
		for i := 0; i < decimals; i++ {
			div *= 10
		}
		v /= div
	}
	if neg {
		v = -v
	}
	return v, nil
}

// MarshalJSON / UnmarshalJSON round-trip through the wire format (a
// bijection modulo whitespace).
func (t ProtocolTemplate) MarshalJSON() ([]byte, error) {
	type alias ProtocolTemplate
	return json.Marshal(alias(t))
}

func (t *ProtocolTemplate) UnmarshalJSON(data []byte) error {
	type alias ProtocolTemplate
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = ProtocolTemplate(a)
	return nil
}
