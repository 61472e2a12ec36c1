package jsoncfg

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// TaskSettings is the generation settings block sent with every submission
// and persisted alongside the job so a redrive reproduces the same request.
type TaskSettings struct {
	Style             string `json:"style"`
	Duration          int    `json:"duration"`
	Resolution        string `json:"resolution"`
	MovementAmplitude string `json:"movement_amplitude"`
	AspectRatio       string `json:"aspect_ratio"`
	SampleCount       int    `json:"sample_count"`
	ScheduleMode      string `json:"schedule_mode"`
	ModelVersion      string `json:"model_version"`
}

const (
	DefaultStyle             = "general"
	DefaultDuration          = 5
	DefaultResolution        = "1080p"
	DefaultMovementAmplitude = "auto"
	DefaultAspectRatio       = "16:9"
	DefaultSampleCount       = 1
	DefaultModelVersion      = "3.0"

	ScheduleModeOffPeak = "nopeak"
	ScheduleModeNormal  = "normal"
)

var allowedDurations = map[int]struct{}{4: {}, 5: {}, 8: {}}

var allowedResolutions = map[string]struct{}{
	"360p":  {},
	"720p":  {},
	"1080p": {},
}

// commonRatios are matched within ratioTolerance before falling back to W:H.
var commonRatios = []struct {
	name  string
	value float64
}{
	{"16:9", 16.0 / 9.0},
	{"9:16", 9.0 / 16.0},
	{"1:1", 1.0},
	{"4:3", 4.0 / 3.0},
	{"3:4", 3.0 / 4.0},
	{"21:9", 21.0 / 9.0},
}

const ratioTolerance = 0.01

// Normalize fills defaults and derives the schedule mode from useOffPeak.
func (s *TaskSettings) Normalize(useOffPeak bool) {
	if s == nil {
		return
	}
	if s.Style == "" {
		s.Style = DefaultStyle
	}
	if s.Duration <= 0 {
		s.Duration = DefaultDuration
	}
	if s.Resolution == "" {
		s.Resolution = DefaultResolution
	}
	if s.MovementAmplitude == "" {
		s.MovementAmplitude = DefaultMovementAmplitude
	}
	if s.AspectRatio == "" {
		s.AspectRatio = DefaultAspectRatio
	}
	if s.SampleCount <= 0 {
		s.SampleCount = DefaultSampleCount
	}
	if s.ModelVersion == "" {
		s.ModelVersion = DefaultModelVersion
	}
	if useOffPeak {
		s.ScheduleMode = ScheduleModeOffPeak
	} else {
		s.ScheduleMode = ScheduleModeNormal
	}
}

// Validate checks the settings before they are stored with a job.
func (s TaskSettings) Validate() error {
	if strings.TrimSpace(s.Style) == "" {
		return fmt.Errorf("style is required")
	}
	if _, ok := allowedDurations[s.Duration]; !ok {
		return fmt.Errorf("duration must be one of 4, 5, 8")
	}
	if _, ok := allowedResolutions[s.Resolution]; !ok {
		return fmt.Errorf("resolution must be one of 360p, 720p, 1080p")
	}
	if s.SampleCount < 1 || s.SampleCount > 4 {
		return fmt.Errorf("sample_count must be between 1 and 4")
	}
	if s.ScheduleMode != ScheduleModeOffPeak && s.ScheduleMode != ScheduleModeNormal {
		return fmt.Errorf("schedule_mode must be %q or %q", ScheduleModeOffPeak, ScheduleModeNormal)
	}
	if !strings.Contains(s.AspectRatio, ":") {
		return fmt.Errorf("aspect_ratio must look like W:H")
	}
	return nil
}

// AspectRatioFor maps image dimensions to a named ratio, or the reduced W:H.
func AspectRatioFor(width, height int) string {
	if width <= 0 || height <= 0 {
		return DefaultAspectRatio
	}
	ratio := float64(width) / float64(height)
	for _, r := range commonRatios {
		if math.Abs(ratio-r.value) < ratioTolerance {
			return r.name
		}
	}
	g := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/g, height/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("json marshal: %w", err))
	}
	return b
}
