package events

// Subscribe request
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/subscription_protocol.html
type SubscribeMessage struct {
	Context   string         `json:"context"`
	Subscribe []Subscription `json:"subscribe"`
}

// Subscription to a single path
type Subscription struct {
	Path      string `json:"path"`
	Period    int    `json:"period,omitempty"`
	Format    string `json:"format,omitempty"`
	Policy    string `json:"policy,omitempty"`
	MinPeriod int    `json:"minPeriod,omitempty"`
}

// Subscription formats and policies
const (
	FormatDelta = "delta"
	FormatFull  = "full"

	PolicyInstant = "instant"
	PolicyIdeal   = "ideal"
	PolicyFixed   = "fixed"
)

// Unsubscribe request
type UnsubscribeMessage struct {
	Context     string           `json:"context"`
	Unsubscribe []Unsubscription `json:"unsubscribe"`
}

type Unsubscription struct {
	Path string `json:"path"`
}

// PUT request to write a value to an actuator path
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/put.html
type PutMessage struct {
	Context   string   `json:"context"`
	RequestID string   `json:"requestId"`
	Put       PutValue `json:"put"`
}

type PutValue struct {
	Path   string `json:"path"`
	Value  any    `json:"value"`
	Source string `json:"source,omitempty"`
}
