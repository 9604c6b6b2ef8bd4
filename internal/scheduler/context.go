package scheduler

import (
	"context"

	"github.com/pixoo-fleet/pixoo-daemon/internal/capability"
	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
)

// sceneContext is the concrete scene.Context handed to Init/Render/
// Cleanup for a single call. It is built fresh per call so a scene
// can never outlive the generation it was built for.
type sceneContext struct {
	context.Context

	host       string
	deviceType string
	caps       capability.Capabilities
	gen        uint64
	drv        driver.Driver

	store     *statestore.Store
	sceneName string
	payload   map[string]interface{}
	frameCount uint64
	startedAt  int64
}

func (c *sceneContext) Host() string                        { return c.host }
func (c *sceneContext) DeviceType() string                  { return c.deviceType }
func (c *sceneContext) Capabilities() capability.Capabilities { return c.caps }
func (c *sceneContext) GenerationID() uint64                 { return c.gen }
func (c *sceneContext) Driver() driver.Driver                { return c.drv }
func (c *sceneContext) FrameCount() uint64                   { return c.frameCount }
func (c *sceneContext) StartedAt() int64                     { return c.startedAt }
func (c *sceneContext) Payload() map[string]interface{}      { return c.payload }

func (c *sceneContext) dataPath(key string) statestore.Path {
	return statestore.Path("scene." + c.host + "." + c.sceneName + ".data." + key)
}

func (c *sceneContext) Get(key string) (interface{}, bool) {
	v := c.store.Get(c.dataPath(key), nil)
	return v, v != nil
}

func (c *sceneContext) Set(key string, value interface{}) {
	_ = c.store.Set(c.dataPath(key), value)
}
