// Package health tracks per-sensor and per-component health as one of three
// levels: healthy, degraded, or error.
package health

import (
	"regexp"
	"time"
)

// Level is a health level.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelDegraded Level = "degraded"
	LevelError    Level = "error"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|opc\.tcp|tcp|mqtt)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health of a component or sensor.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      Level     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == LevelHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == LevelDegraded }

// IsError returns true if the status is error
func (s Status) IsError() bool { return s.Status == LevelError }

func newStatus(component string, level Level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == LevelHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, LevelHealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, LevelDegraded, message)
}

// NewError creates a new error status
func NewError(component, message string) Status {
	return newStatus(component, LevelError, message)
}

// FromError builds a degraded or error status from err with endpoints and
// credentials removed from the message.
func FromError(component string, level Level, err error) Status {
	msg := ""
	if err != nil {
		msg = Sanitize(err.Error())
	}
	return newStatus(component, level, msg)
}

// Sanitize strips addresses and credentials from an error message so it can
// be exposed on the health endpoint.
func Sanitize(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
}

// Aggregate rolls sub-statuses into one: any error makes the aggregate error,
// otherwise any degraded makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no sub-components")
	}

	var hasError, hasDegraded bool
	for _, sub := range subStatuses {
		switch sub.Status {
		case LevelError:
			hasError = true
		case LevelDegraded:
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasError:
		status = NewError(component, "one or more sub-components in error")
	case hasDegraded:
		status = NewDegraded(component, "one or more sub-components degraded")
	default:
		status = NewHealthy(component, "all sub-components healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
