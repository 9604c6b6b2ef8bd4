package scene

import (
	"testing"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
)

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	mod := Module{Name: "static", Render: func(Context) (*int, error) { return nil, nil }}
	if err := r.Register(mod); err != nil {
		t.Fatalf("unexpected error on first register: %v", err)
	}
	if err := r.Register(mod); err == nil {
		t.Fatal("expected an error registering a duplicate scene name")
	}
}

func TestRegisterRejectsMissingRender(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Module{Name: "broken"}); err == nil {
		t.Fatal("expected an error for a module with no Render func")
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Module{Render: func(Context) (*int, error) { return nil, nil }}); err == nil {
		t.Fatal("expected an error for a module with no name")
	}
}

func TestListFiltersByDeviceTypeAllowList(t *testing.T) {
	r := NewRegistry()
	render := func(Context) (*int, error) { return nil, nil }
	must(t, r.Register(Module{Name: "anyDevice", Render: render}))
	must(t, r.Register(Module{Name: "clockOnly", Render: render, DeviceTypes: []string{"clock32x8"}}))

	caps := capability.Capabilities{}
	clockScenes := r.List("clock32x8", caps)
	if len(clockScenes) != 2 {
		t.Fatalf("expected both scenes to be listed for clock32x8, got %d", len(clockScenes))
	}

	panelScenes := r.List("pixoo64", caps)
	if len(panelScenes) != 1 || panelScenes[0].Name != "anyDevice" {
		t.Fatalf("expected only the any-device scene for pixoo64, got %+v", panelScenes)
	}
}

func TestListFiltersByRequiredCapabilities(t *testing.T) {
	r := NewRegistry()
	render := func(Context) (*int, error) { return nil, nil }
	must(t, r.Register(Module{Name: "needsAudio", Render: render, RequiredCapabilities: []capability.Requirement{capability.RequireAudio}}))

	silent := capability.Capabilities{HasAudio: false}
	if got := r.List("", silent); len(got) != 0 {
		t.Fatalf("expected no scenes listed for a device without audio, got %+v", got)
	}

	loud := capability.Capabilities{HasAudio: true}
	if got := r.List("", loud); len(got) != 1 {
		t.Fatalf("expected the audio scene to be listed for a device with audio, got %+v", got)
	}
}

func TestScheduleWindowInWindowSameDayRange(t *testing.T) {
	w := ScheduleWindow{WeekdayMask: 1 << 1, StartMinute: 8 * 60, EndMinute: 22 * 60} // Monday, 08:00-22:00
	if !w.InWindow(1, 9*60) {
		t.Fatal("09:00 on Monday should be in-window")
	}
	if w.InWindow(1, 23*60) {
		t.Fatal("23:00 on Monday should be outside the window")
	}
	if w.InWindow(2, 9*60) {
		t.Fatal("Tuesday is not in the weekday mask")
	}
}

func TestScheduleWindowWrapsPastMidnight(t *testing.T) {
	w := ScheduleWindow{WeekdayMask: 0b01111111, StartMinute: 22 * 60, EndMinute: 2 * 60} // 22:00-02:00
	if !w.InWindow(3, 23*60) {
		t.Fatal("23:00 should be inside a window that wraps past midnight")
	}
	if !w.InWindow(3, 60) {
		t.Fatal("01:00 should be inside a window that wraps past midnight")
	}
	if w.InWindow(3, 12*60) {
		t.Fatal("noon should be outside a 22:00-02:00 window")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
