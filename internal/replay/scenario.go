// Package replay drives the throttling controller through a scripted
// scenario on a manual clock and records what it did.
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario wraps every scenario validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

const defaultNominalTPS = 20

// Scenario describes the host signals over time.
type Scenario struct {
	Name              string        `yaml:"name"`
	Duration          time.Duration `yaml:"duration"`
	InitialViewRadius int           `yaml:"initial_view_radius"`
	// MinViewRadius overrides the controller floor when non-zero.
	MinViewRadius int `yaml:"min_view_radius"`
	// MaxHeapBytes of zero leaves the heap limit unknown.
	MaxHeapBytes uint64 `yaml:"max_heap_bytes"`
	NominalTPS   int    `yaml:"nominal_tps"`
	// GCSensing defaults to true; false runs without a GC notification source.
	GCSensing *bool `yaml:"gc_sensing"`

	GCRuns []GCRun        `yaml:"gc_runs"`
	TPS    []RateSegment  `yaml:"tps"`
	Chunks []ChunkSegment `yaml:"chunks"`
}

// GCRun is a completed collection. Exactly one of Occupancy (fraction of
// max_heap_bytes) or BytesAfter must be set.
type GCRun struct {
	At         time.Duration `yaml:"at"`
	Occupancy  float64       `yaml:"occupancy"`
	BytesAfter uint64        `yaml:"bytes_after"`
}

// RateSegment sets the tick rate from From until the next segment. A rate of
// zero stalls the tick loop.
type RateSegment struct {
	From time.Duration `yaml:"from"`
	Rate float64       `yaml:"rate"`
}

// ChunkSegment sets the loaded chunk count from From until the next segment.
type ChunkSegment struct {
	From   time.Duration `yaml:"from"`
	Loaded int           `yaml:"loaded"`
}

// LoadScenario reads and validates a YAML scenario file. Unknown keys are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(bytes.NewReader(data))
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(r io.Reader) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: parsing: %v", ErrInvalidScenario, err)
	}
	if s.NominalTPS == 0 {
		s.NominalTPS = defaultNominalTPS
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks field ranges and ordering.
func (s *Scenario) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
	}

	switch {
	case s.Duration <= 0:
		return invalid("duration must be positive")
	case s.InitialViewRadius <= 0:
		return invalid("initial_view_radius must be positive, got %d", s.InitialViewRadius)
	case s.MinViewRadius < 0:
		return invalid("min_view_radius must not be negative")
	case s.NominalTPS <= 0:
		return invalid("nominal_tps must be positive, got %d", s.NominalTPS)
	}

	var prev time.Duration
	for i, run := range s.GCRuns {
		prefix := fmt.Sprintf("gc_runs[%d]", i)
		switch {
		case run.At < 0 || run.At > s.Duration:
			return invalid("%s: at %s outside [0, %s]", prefix, run.At, s.Duration)
		case run.At < prev:
			return invalid("%s: runs must be in chronological order", prefix)
		case (run.Occupancy > 0) == (run.BytesAfter > 0):
			return invalid("%s: exactly one of occupancy or bytes_after is required", prefix)
		case run.Occupancy < 0:
			return invalid("%s: occupancy must not be negative", prefix)
		case run.Occupancy > 0 && s.MaxHeapBytes == 0:
			return invalid("%s: occupancy needs max_heap_bytes", prefix)
		}
		prev = run.At
	}

	for i, seg := range s.TPS {
		switch {
		case seg.Rate < 0:
			return invalid("tps[%d]: rate must not be negative", i)
		case seg.From < 0:
			return invalid("tps[%d]: from must not be negative", i)
		case i > 0 && seg.From <= s.TPS[i-1].From:
			return invalid("tps[%d]: segments must start in increasing order", i)
		}
	}
	for i, seg := range s.Chunks {
		switch {
		case seg.Loaded < 0:
			return invalid("chunks[%d]: loaded must not be negative", i)
		case seg.From < 0:
			return invalid("chunks[%d]: from must not be negative", i)
		case i > 0 && seg.From <= s.Chunks[i-1].From:
			return invalid("chunks[%d]: segments must start in increasing order", i)
		}
	}
	return nil
}

func (s *Scenario) gcSensing() bool {
	return s.GCSensing == nil || *s.GCSensing
}

func (s *Scenario) rateAt(at time.Duration) (float64, bool) {
	rate, ok := 0.0, false
	for _, seg := range s.TPS {
		if seg.From > at {
			break
		}
		rate, ok = seg.Rate, true
	}
	return rate, ok
}

// nextRateChange returns the start of the first segment after at, or false.
func (s *Scenario) nextRateChange(at time.Duration) (time.Duration, bool) {
	for _, seg := range s.TPS {
		if seg.From > at {
			return seg.From, true
		}
	}
	return 0, false
}

func (s *Scenario) loadedAt(at time.Duration) int {
	loaded := 0
	for _, seg := range s.Chunks {
		if seg.From > at {
			break
		}
		loaded = seg.Loaded
	}
	return loaded
}

func (s *Scenario) bytesAfter(run GCRun) uint64 {
	if run.BytesAfter > 0 {
		return run.BytesAfter
	}
	return uint64(run.Occupancy * float64(s.MaxHeapBytes))
}
