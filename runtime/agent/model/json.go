// Package model defines JSON helpers for marshaling and unmarshaling provider
// message parts. TextPart is this gateway's sole Part implementation (no
// image/document/citation/tool-call parts are modeled; see model.go), so
// decoding never needs a Kind discriminator to disambiguate concrete types.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes a Message, flattening Parts to the TextPart values
// they carry.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role  ConversationRole `json:"Role"`  //nolint:tagliatelle
		Parts []TextPart       `json:"Parts"` //nolint:tagliatelle
		Meta  map[string]any   `json:"Meta"`  //nolint:tagliatelle
	}
	var parts []TextPart
	if len(m.Parts) > 0 {
		parts = make([]TextPart, 0, len(m.Parts))
		for i, p := range m.Parts {
			t, ok := p.(TextPart)
			if !ok {
				return nil, fmt.Errorf("encode parts[%d]: unsupported part type %T", i, p)
			}
			parts = append(parts, t)
		}
	}
	return json.Marshal(alias{Role: m.Role, Parts: parts, Meta: m.Meta})
}

// UnmarshalJSON decodes a Message, materializing each part as a TextPart.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  ConversationRole `json:"Role"` //nolint:tagliatelle
		Parts []json.RawMessage
		Meta  map[string]any `json:"Meta"` //nolint:tagliatelle
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Meta = tmp.Meta
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := decodeMessagePart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

func decodeMessagePart(raw json.RawMessage) (Part, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return TextPart{Text: text}, nil
	}

	var t TextPart
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode TextPart: %w", err)
	}
	if t.Text == "" {
		return nil, errors.New("TextPart requires Text")
	}
	return t, nil
}
