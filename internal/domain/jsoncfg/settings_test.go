package jsoncfg

import "testing"

func TestTaskSettingsNormalizeDefaults(t *testing.T) {
	s := &TaskSettings{}
	s.Normalize(true)

	if s.Style != DefaultStyle {
		t.Fatalf("Style = %q, want %q", s.Style, DefaultStyle)
	}
	if s.Duration != DefaultDuration {
		t.Fatalf("Duration = %d, want %d", s.Duration, DefaultDuration)
	}
	if s.Resolution != DefaultResolution {
		t.Fatalf("Resolution = %q, want %q", s.Resolution, DefaultResolution)
	}
	if s.ScheduleMode != ScheduleModeOffPeak {
		t.Fatalf("ScheduleMode = %q, want %q", s.ScheduleMode, ScheduleModeOffPeak)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("normalized settings should validate: %v", err)
	}
}

func TestTaskSettingsNormalizeKeepsExplicitValues(t *testing.T) {
	s := &TaskSettings{Style: "anime", Duration: 8, AspectRatio: "9:16"}
	s.Normalize(false)

	if s.Style != "anime" || s.Duration != 8 || s.AspectRatio != "9:16" {
		t.Fatalf("explicit values overwritten: %+v", s)
	}
	if s.ScheduleMode != ScheduleModeNormal {
		t.Fatalf("ScheduleMode = %q, want %q", s.ScheduleMode, ScheduleModeNormal)
	}
}

func TestTaskSettingsValidateRejects(t *testing.T) {
	base := TaskSettings{}
	base.Normalize(true)

	cases := map[string]func(*TaskSettings){
		"duration":      func(s *TaskSettings) { s.Duration = 7 },
		"resolution":    func(s *TaskSettings) { s.Resolution = "4k" },
		"schedule mode": func(s *TaskSettings) { s.ScheduleMode = "cheap" },
		"aspect ratio":  func(s *TaskSettings) { s.AspectRatio = "wide" },
		"sample count":  func(s *TaskSettings) { s.SampleCount = 9 },
	}
	for name, mutate := range cases {
		s := base
		mutate(&s)
		if err := s.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestAspectRatioFor(t *testing.T) {
	cases := []struct {
		w, h int
		want string
	}{
		{1920, 1080, "16:9"},
		{1080, 1920, "9:16"},
		{1024, 1024, "1:1"},
		{1600, 1200, "4:3"},
		{720, 960, "3:4"},
		{2560, 1097, "21:9"},
		{720, 1122, "120:187"},
		{0, 100, DefaultAspectRatio},
	}
	for _, tc := range cases {
		if got := AspectRatioFor(tc.w, tc.h); got != tc.want {
			t.Fatalf("AspectRatioFor(%d,%d) = %q, want %q", tc.w, tc.h, got, tc.want)
		}
	}
}
