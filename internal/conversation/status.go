package conversation

import "fmt"

// Status is the phase of the underlying voice call.
type Status int

const (
	StatusInactive Status = iota
	StatusConnecting
	StatusActive
	StatusFinished
	StatusFailed
)

var statusNames = [...]string{
	StatusInactive:   "inactive",
	StatusConnecting: "connecting",
	StatusActive:     "active",
	StatusFinished:   "finished",
	StatusFailed:     "failed",
}

// String returns the lower-case status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether s ends a call.
func (s Status) Terminal() bool { return s == StatusFinished || s == StatusFailed }

// Live reports whether a call is connecting or connected.
func (s Status) Live() bool { return s == StatusConnecting || s == StatusActive }

// transitions is the complete set of allowed status changes. Leaving a
// terminal status is only possible through a fresh start.
var transitions = map[Status][]Status{
	StatusInactive:   {StatusConnecting},
	StatusConnecting: {StatusActive, StatusFailed, StatusFinished},
	StatusActive:     {StatusFinished},
	StatusFinished:   {StatusConnecting},
	StatusFailed:     {StatusConnecting},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
