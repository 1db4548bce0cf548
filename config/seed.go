package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// Seed declares sensors, groups and alerts to register on boot.
type Seed struct {
	Sensors []SeedSensor   `json:"sensors"`
	Groups  []sensor.Group `json:"groups,omitempty"`
	Alerts  []alert.Config `json:"alerts,omitempty"`
}

// SeedSensor is one sensor definition with its optional configuration.
type SeedSensor struct {
	Metadata sensor.Metadata       `json:"metadata"`
	Config   *sensor.Configuration `json:"config,omitempty"`
	// Start begins acquisition once the sensor is registered.
	Start bool `json:"start,omitempty"`
}

// Keys whose string values are parsed as durations ("250ms", "5s", "2d").
var durationKeys = map[string]bool{
	"replay_window":    true,
	"window_duration":  true,
	"sync_timeout":     true,
	"sustain":          true,
	"publish_interval": true,
}

// LoadSeed reads a YAML or JSON seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "LoadSeed", "read seed file")
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed document. YAML is decoded generically and then
// mapped onto the JSON form of the sensor types, so protocol and condition
// variants use the same "kind" discriminators as the API.
func ParseSeed(data []byte) (*Seed, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, seedError("decode yaml", err)
	}
	normalized, err := normalize(doc, "")
	if err != nil {
		return nil, seedError("normalize document", err)
	}
	body, err := json.Marshal(normalized)
	if err != nil {
		return nil, seedError("encode document", err)
	}

	var seed Seed
	if err := json.Unmarshal(body, &seed); err != nil {
		return nil, seedError("decode seed", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks references inside the seed. Every sensor needs a fixed id
// so that applying the seed twice is idempotent.
func (s *Seed) Validate() error {
	ids := make(map[uuid.UUID]bool, len(s.Sensors))
	for i := range s.Sensors {
		ss := &s.Sensors[i]
		id := ss.Metadata.ID
		if id == uuid.Nil {
			return seedError("check sensors", fmt.Errorf("sensor %q has no id", ss.Metadata.Name))
		}
		if ids[id] {
			return seedError("check sensors", fmt.Errorf("%w: %s", errors.ErrDuplicateSensor, id))
		}
		ids[id] = true
		if ss.Config != nil {
			if ss.Config.SensorID == uuid.Nil {
				ss.Config.SensorID = id
			}
			if ss.Config.SensorID != id {
				return seedError("check sensors", fmt.Errorf("config of %s names sensor %s", id, ss.Config.SensorID))
			}
		}
	}
	for _, g := range s.Groups {
		for _, m := range g.Members {
			if !ids[m] {
				return seedError("check groups", fmt.Errorf("group %q member %s is not declared", g.Name, m))
			}
		}
	}
	for i := range s.Alerts {
		if err := s.Alerts[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func seedError(action string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "ParseSeed", action)
}

// normalize converts YAML maps to string-keyed maps and duration strings
// under durationKeys to nanoseconds.
func normalize(v any, key string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			n, err := normalize(child, k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			ks := fmt.Sprint(k)
			n, err := normalize(child, ks)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			n, err := normalize(child, "")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case string:
		if durationKeys[key] {
			d, err := parseDurationWithDays(t)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			return d.Nanoseconds(), nil
		}
		return t, nil
	}
	return v, nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
