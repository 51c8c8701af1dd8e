package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Conversion message types
const (
	ConversionsFull  = "full"
	ConversionsDelta = "delta"
)

// ErrUnknownShape is returned for messages which are valid json but not of a known shape
var ErrUnknownShape = errors.New("unknown message shape")

// Conversions message of the units preference stream
//
// example:
// `{"type": "delta", "conversions": {"navigation.speedOverGround": {"baseUnit": "m/s", "category": "speed", "targetUnit": "kn", "conversions": {"kn": {"formula": "value * 1.94384", "inverseFormula": "value / 1.94384", "symbol": "kn"}}}}}`
type ConversionsMessage struct {
	Type        string                    `json:"type" mapstructure:"type"`
	Conversions map[string]PathConversion `json:"conversions" mapstructure:"conversions"`
	// category defaults, keyed by category name
	Categories map[string]PathConversion `json:"categories,omitempty" mapstructure:"categories"`
}

// Conversion metadata of a single path (or a category default)
type PathConversion struct {
	BaseUnit   string `json:"baseUnit,omitempty" mapstructure:"baseUnit"`
	Category   string `json:"category,omitempty" mapstructure:"category"`
	TargetUnit string `json:"targetUnit,omitempty" mapstructure:"targetUnit"`
	// Target unit symbol -> formulas
	Conversions map[string]UnitConversion `json:"conversions,omitempty" mapstructure:"conversions"`
}

type UnitConversion struct {
	Formula        string `json:"formula" mapstructure:"formula"`
	InverseFormula string `json:"inverseFormula,omitempty" mapstructure:"inverseFormula"`
	Symbol         string `json:"symbol,omitempty" mapstructure:"symbol"`
}

// ParseConversions decodes a message of the conversion stream
//
// Returns ErrUnknownShape if the message has no known type.
func ParseConversions(data []byte) (*ConversionsMessage, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	typ, _ := raw["type"].(string)
	if typ != ConversionsFull && typ != ConversionsDelta {
		return nil, fmt.Errorf("%w: type %q", ErrUnknownShape, typ)
	}
	var msg ConversionsMessage
	if err := mapstructure.Decode(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode conversions: %w", err)
	}
	return &msg, nil
}

// DecodeConversions decodes a conversions snapshot `{path: {baseUnit, category, conversions}}`
func DecodeConversions(raw map[string]any) (map[string]PathConversion, error) {
	out := make(map[string]PathConversion, len(raw))
	if err := mapstructure.Decode(raw, &out); err != nil {
		return nil, fmt.Errorf("decode conversions: %w", err)
	}
	return out, nil
}
