// Package scenes provides two reference scene modules — static and
// ticking — used by the daemon's own tests and available as a
// configured fallback scene (§4.5's K-failure policy, §9 Open
// Question (c)). Library scenes proper are out of scope (spec.md §1
// "Out of scope: ... the library of scene modules"); these two exist
// only to exercise and validate the scene.Module contract end to end.
package scenes

import (
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
)

// Static paints one frame — a solid fill in the payload's "color"
// (defaulting to a dim grey) — and returns nil, so playState becomes
// complete after exactly one render, per §3's "playState=complete is
// reached only when the scene's last render returned null".
var Static = scene.Module{
	Name:      "static",
	WantsLoop: false,
	Render: func(ctx scene.Context) (*int, error) {
		c := colorFromPayload(ctx.Payload())
		drv := ctx.Driver()
		w, h := ctx.Capabilities().Width, ctx.Capabilities().Height
		drv.FillRect(driver.Point{X: 0, Y: 0}, driver.Point{X: w - 1, Y: h - 1}, c)
		if _, err := drv.Push(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	},
}

func colorFromPayload(payload map[string]interface{}) driver.RGBA {
	if payload == nil {
		return driver.RGBA{R: 16, G: 16, B: 16, A: 255}
	}
	name, _ := payload["color"].(string)
	switch name {
	case "red":
		return driver.RGBA{R: 255, A: 255}
	case "green":
		return driver.RGBA{G: 255, A: 255}
	case "blue":
		return driver.RGBA{B: 255, A: 255}
	default:
		return driver.RGBA{R: 16, G: 16, B: 16, A: 255}
	}
}
