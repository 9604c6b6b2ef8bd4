package capability

import "testing"

func TestValidateRejectsNonPositiveDimensions(t *testing.T) {
	c := Capabilities{Width: 0, Height: 32, MaxFPS: 10}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestValidateRejectsZeroMaxFPS(t *testing.T) {
	c := Capabilities{Width: 32, Height: 8, MaxFPS: 0}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero maxFps")
	}
}

func TestValidateRejectsInvertedBrightnessRange(t *testing.T) {
	c := Capabilities{
		Width: 32, Height: 8, MaxFPS: 10,
		HasBrightnessControl: true, MinBrightness: 80, MaxBrightness: 20,
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for minBrightness > maxBrightness")
	}
}

func TestValidateAcceptsWellFormedCapabilities(t *testing.T) {
	c := Capabilities{
		Width: 64, Height: 64, MaxFPS: 30,
		HasBrightnessControl: true, MinBrightness: 0, MaxBrightness: 100,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMinDelayMSIsCeilingOf1000OverMaxFPS(t *testing.T) {
	cases := []struct {
		maxFPS int
		want   int
	}{
		{maxFPS: 1, want: 1000},
		{maxFPS: 30, want: 34}, // ceil(1000/30) = 34
		{maxFPS: 5, want: 200},
		{maxFPS: 0, want: 1000}, // degenerate, never armed by a valid Capabilities
	}
	for _, tc := range cases {
		c := Capabilities{MaxFPS: tc.maxFPS}
		if got := c.MinDelayMS(); got != tc.want {
			t.Errorf("MinDelayMS() for maxFps=%d = %d, want %d", tc.maxFPS, got, tc.want)
		}
	}
}

func TestSatisfiesRequiresEveryFlag(t *testing.T) {
	full := Capabilities{HasTextRendering: true, HasPrimitiveDrawing: true, HasAudio: true, HasIconSupport: true, HasBrightnessControl: true}
	if !full.Satisfies([]Requirement{RequireText, RequirePrimitiveDrawing, RequireAudio, RequireIcons, RequireBrightnessControl}) {
		t.Fatal("full capabilities should satisfy every requirement")
	}

	textOnly := Capabilities{HasTextRendering: true}
	if textOnly.Satisfies([]Requirement{RequireText, RequireAudio}) {
		t.Fatal("capabilities lacking audio must not satisfy a requirement list including it")
	}

	empty := Capabilities{}
	if !empty.Satisfies(nil) {
		t.Fatal("an empty requirement list is always satisfied")
	}
}
