package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
)

const (
	topicRoot      = "sensors"
	singleWildcard = "+"
	multiWildcard  = "#"
)

// Topic returns the topic of one channel of a sensor: sensors/<id>/<channel>.
func Topic(sensorID uuid.UUID, channel uint16) string {
	return topicRoot + "/" + sensorID.String() + "/" + strconv.FormatUint(uint64(channel), 10)
}

// Pattern is a parsed topic pattern. Segments are separated by "/"; "+"
// matches exactly one segment and "#", valid only as the last segment,
// matches any number of remaining segments including none.
type Pattern struct {
	raw  string
	segs []string
}

// ParsePattern validates and parses a topic pattern.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, invalidPattern(s, "empty pattern")
	}
	segs := strings.Split(s, "/")
	for i, seg := range segs {
		switch {
		case seg == multiWildcard && i != len(segs)-1:
			return Pattern{}, invalidPattern(s, "# must be the last segment")
		case seg != multiWildcard && strings.Contains(seg, multiWildcard):
			return Pattern{}, invalidPattern(s, "# must occupy a whole segment")
		case seg != singleWildcard && strings.Contains(seg, singleWildcard):
			return Pattern{}, invalidPattern(s, "+ must occupy a whole segment")
		}
	}
	return Pattern{raw: s, segs: segs}, nil
}

func invalidPattern(s, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: pattern %q: %s", errors.ErrInvalidConfig, s, reason),
		"stream", "ParsePattern", "validate pattern")
}

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }

// Match reports whether topic matches the pattern.
func (p Pattern) Match(topic string) bool {
	return p.matchSegments(strings.Split(topic, "/"))
}

func (p Pattern) matchSegments(topic []string) bool {
	for i, seg := range p.segs {
		if seg == multiWildcard {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if seg != singleWildcard && seg != topic[i] {
			return false
		}
	}
	return len(topic) == len(p.segs)
}
