package types

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the operational status of a service
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ID represents a unique identifier
type ID string

// NewID generates a new ID from a string
func NewID(s string) ID {
	return ID(s)
}

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new unique identifier
func GenerateID() ID {
	return ID(uuid.NewString())
}

// Timestamp represents a point in time
type Timestamp struct {
	time.Time
}

// NewTimestamp creates a new timestamp from the current time
func NewTimestamp() Timestamp {
	return Timestamp{Time: time.Now()}
}

// NewTimestampFromTime creates a new timestamp from a time.Time
func NewTimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// IsZero returns true if the timestamp is zero
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

// Visibility controls which interfaces a service listener binds to
type Visibility string

const (
	// VisibilityLoopback restricts the listener to the local host
	VisibilityLoopback Visibility = "loopback"
	// VisibilityAnyHost exposes the listener on all interfaces
	VisibilityAnyHost Visibility = "anyhost"
)

// BindHost returns the host address a listener with this visibility binds to
func (v Visibility) BindHost() string {
	if v == VisibilityAnyHost {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// Valid returns true if the visibility is a known value
func (v Visibility) Valid() bool {
	return v == VisibilityLoopback || v == VisibilityAnyHost || v == ""
}

// ServiceInfo describes a registered service and where to reach it
type ServiceInfo struct {
	Name       string     `json:"name" yaml:"name"`
	Address    string     `json:"address" yaml:"address"`
	IPCPort    int        `json:"ipc_port" yaml:"ipc_port"`
	EventPort  int        `json:"event_port" yaml:"event_port"`
	Visibility Visibility `json:"visibility" yaml:"visibility"`
}
