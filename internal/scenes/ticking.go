package scenes

import (
	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
)

const tickingDelayMS = 200

// Ticking is a looping reference scene: each frame it draws a
// full-height vertical line one column further to the right, wrapping
// at the display's width, and requests another tick in tickingDelayMS. It never
// returns nil on its own (an operator must Stop/Switch it away),
// exercising the loop-forever path of the scheduler contract as
// Static exercises the render-once path.
var Ticking = scene.Module{
	Name:                 "ticking",
	WantsLoop:            true,
	AdaptiveTiming:       true,
	RequiredCapabilities: []capability.Requirement{capability.RequirePrimitiveDrawing},
	Init: func(ctx scene.Context) error {
		ctx.Set("col", 0)
		return nil
	},
	Render: func(ctx scene.Context) (*int, error) {
		col, _ := ctx.Get("col")
		c, _ := col.(int)

		drv := ctx.Driver()
		drv.Clear()
		h := ctx.Capabilities().Height
		drv.DrawLine(driver.Point{X: c, Y: 0}, driver.Point{X: c, Y: h - 1}, driver.RGBA{G: 200, A: 255})
		if _, err := drv.Push(ctx); err != nil {
			return nil, err
		}

		next := (c + 1) % ctx.Capabilities().Width
		ctx.Set("col", next)

		delay := tickingDelayMS
		return &delay, nil
	},
}
