package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// NotificationPrefix of all notification paths
const NotificationPrefix = "notifications."

// Notification states
const (
	NotificationNormal    = "normal"
	NotificationNominal   = "nominal"
	NotificationAlert     = "alert"
	NotificationWarn      = "warn"
	NotificationAlarm     = "alarm"
	NotificationEmergency = "emergency"
)

// Notification raised by the server
//
// see also
// - api: https://signalk.org/specification/1.7.0/doc/notifications.html
type Notification struct {
	// vessel context of the delta, e.g. `vessels.self`
	Context   string
	// full path, e.g. `notifications.navigation.anchor`
	Key       string
	State     string
	Message   string
	Method    []string
	Timestamp time.Time
}

type notificationValue struct {
	State   string   `mapstructure:"state"`
	Message string   `mapstructure:"message"`
	Method  []string `mapstructure:"method"`
}

// IsNotification reports whether the path is in the notification namespace
func IsNotification(path string) bool {
	return strings.HasPrefix(path, NotificationPrefix)
}

// NotificationFromValue decodes the value of a notification path
//
// A null value clears the notification and is reported as state normal.
func NotificationFromValue(key string, v Value, ts time.Time) (Notification, error) {
	n := Notification{Key: key, Timestamp: ts}
	if v.IsNull() {
		n.State = NotificationNormal
		return n, nil
	}
	m, ok := v.Object()
	if !ok {
		return n, fmt.Errorf("notification %s: expected object, got %s", key, v.Kind())
	}
	var nv notificationValue
	if err := mapstructure.Decode(m, &nv); err != nil {
		return n, fmt.Errorf("notification %s: %w", key, err)
	}
	if nv.State == "" {
		return n, fmt.Errorf("notification %s: missing state", key)
	}
	n.State = nv.State
	n.Message = nv.Message
	n.Method = nv.Method
	return n, nil
}
