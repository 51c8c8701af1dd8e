package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Well known contexts
const (
	ContextSelf       = "vessels.self"
	ContextAllVessels = "vessels.*"
)

// Delta with updates of one context
//
// example:
// `{"context": "vessels.self", "updates": [{"$source": "n2k.1", "timestamp": "2026-10-16T10:00:00Z", "values": [{"path": "navigation.speedOverGround", "value": 3.6}]}]}`
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/data_model.html#delta-format
type Delta struct {
	Context string   `json:"context,omitempty"`
	Updates []Update `json:"updates,omitempty"`
}

// Update carries values measured at the same timestamp by the same source
type Update struct {
	Source    *Source     `json:"source,omitempty"`
	SourceRef string      `json:"$source,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Values    []PathValue `json:"values"`
}

// Source of an update
type Source struct {
	Label    string `json:"label"`
	Type     string `json:"type,omitempty"`
	Src      string `json:"src,omitempty"`
	PGN      int    `json:"pgn,omitempty"`
	Talker   string `json:"talker,omitempty"`
	Sentence string `json:"sentence,omitempty"`
}

// SourceLabel identifies the sensor which produced the update
//
// `$source` takes precedence, otherwise it is derived from the source object
// the way the server does (`label.src` or `label.talker`).
func (u Update) SourceLabel() string {
	if u.SourceRef != "" {
		return u.SourceRef
	}
	if u.Source == nil || u.Source.Label == "" {
		return ""
	}
	switch {
	case u.Source.Src != "":
		return u.Source.Label + "." + u.Source.Src
	case u.Source.Talker != "":
		return u.Source.Label + "." + u.Source.Talker
	default:
		return u.Source.Label
	}
}

// PathValue is a single path/value pair of an update
//
// The value may be wrapped in a server side converted envelope
// `{"converted": 7.0, "original": 3.6, "formatted": "7.0 kn", "symbol": "kn"}`;
// in that case Value holds the original (SI) value and Converted the envelope.
type PathValue struct {
	Path      string     `json:"path"`
	Value     Value      `json:"value"`
	Converted *Converted `json:"-"`
}

// Converted value as delivered by the server
type Converted struct {
	Value     Value
	Original  Value
	Formatted string
	Symbol    string
}

type convertedEnvelope struct {
	Converted any    `mapstructure:"converted"`
	Original  any    `mapstructure:"original"`
	Formatted string `mapstructure:"formatted"`
	Symbol    string `mapstructure:"symbol"`
}

func (pv *PathValue) UnmarshalJSON(data []byte) error {
	var raw struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pv.Path = raw.Path
	pv.Value = ValueOf(raw.Value)
	pv.Converted = nil

	m, ok := raw.Value.(map[string]any)
	if !ok || !isConvertedEnvelope(m) {
		return nil
	}
	var env convertedEnvelope
	if err := mapstructure.Decode(m, &env); err != nil {
		return fmt.Errorf("converted value of %s: %w", raw.Path, err)
	}
	pv.Converted = &Converted{
		Value:     ValueOf(env.Converted),
		Original:  ValueOf(env.Original),
		Formatted: env.Formatted,
		Symbol:    env.Symbol,
	}
	pv.Value = pv.Converted.Original
	return nil
}

func (pv PathValue) MarshalJSON() ([]byte, error) {
	if pv.Converted == nil {
		return json.Marshal(struct {
			Path  string `json:"path"`
			Value Value  `json:"value"`
		}{pv.Path, pv.Value})
	}
	return json.Marshal(map[string]any{
		"path": pv.Path,
		"value": map[string]any{
			"converted": pv.Converted.Value.Interface(),
			"original":  pv.Converted.Original.Interface(),
			"formatted": pv.Converted.Formatted,
			"symbol":    pv.Converted.Symbol,
		},
	})
}

func isConvertedEnvelope(m map[string]any) bool {
	_, hasConverted := m["converted"]
	_, hasOriginal := m["original"]
	return hasConverted && hasOriginal
}

// Hello is sent by the server right after the stream connection is established
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/streaming_api.html#hello-message
type Hello struct {
	Name    string   `json:"name,omitempty"`
	Version string   `json:"version,omitempty"`
	Self    string   `json:"self,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Response to a request (e.g. a PUT) correlated by its request id
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/request_response.html
type Response struct {
	RequestID  string `json:"requestId,omitempty"`
	State      string `json:"state,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Request states
const (
	StatePending   = "PENDING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// Inbound is any message received on a stream
type Inbound struct {
	Delta
	Hello
	Response
}

// InboundKind distinguishes inbound message shapes
type InboundKind uint8

const (
	InboundUnknown InboundKind = iota
	InboundHello
	InboundDelta
	InboundResponse
)

func (k InboundKind) String() string {
	switch k {
	case InboundHello:
		return "hello"
	case InboundDelta:
		return "delta"
	case InboundResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Kind of the message, derived from the fields present
func (in *Inbound) Kind() InboundKind {
	switch {
	case in.RequestID != "":
		return InboundResponse
	case len(in.Updates) > 0:
		return InboundDelta
	case in.Version != "" && (in.Self != "" || in.Name != ""):
		return InboundHello
	default:
		return InboundUnknown
	}
}

// ParseInbound decodes a stream message
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// SelfContext returns the fully qualified context of the own vessel, e.g.
// `vessels.urn:mrn:imo:mmsi:230099999`
func (h Hello) SelfContext() string {
	if h.Self == "" {
		return ""
	}
	if strings.HasPrefix(h.Self, "vessels.") {
		return h.Self
	}
	return "vessels." + h.Self
}
