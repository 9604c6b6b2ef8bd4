package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/driver"
	"github.com/pixoo-fleet/pixoo-daemon/internal/errs"
	"github.com/pixoo-fleet/pixoo-daemon/internal/events"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scene"
	"github.com/pixoo-fleet/pixoo-daemon/internal/statestore"
)

const (
	mailboxCapacity = 64
	initTimeout     = 5 * time.Second
	cleanupTimeout  = 5 * time.Second
	maxTickDelay    = 60 * time.Second
)

// ActorConfig is the per-device static configuration the Manager
// passes to NewActor; it is derived from the device's config-document
// entry (§6).
type ActorConfig struct {
	Host              string
	DeviceType        string
	StartupScene      string
	InitialBrightness int
	InitialDisplayOn  bool

	// BuildVersion/BuildNumber/GitCommit are stamped onto every
	// published Transition (§4.9, §3's GlobalState) so a consumer never
	// has to cross-reference a separate status call to know which
	// build produced a given generation.
	BuildVersion string
	BuildNumber  string
	GitCommit    string

	// FailureK/FailureW implement the Open Question (c) decision: K
	// consecutive render failures within W triggers FallbackScene (or
	// Stop if empty).
	FailureK      int
	FailureW      time.Duration
	FallbackScene string

	// InitialPlayState/InitialLoggingLevel seed the actor's runtime
	// state from a persisted snapshot (§3's "Persisted state layout"),
	// the same way StartupScene is overridden with the persisted
	// activeScene by the composition root. InitialPlayState is only
	// honored when it equals PlayStatePaused, since every other
	// starting value is already reached by the normal StartupScene
	// switch (playing) or by never switching at all (stopped/complete).
	InitialPlayState    PlayState
	InitialLoggingLevel string
}

// Actor owns the single render loop, generation counter, and command
// mailbox for one device (§4.5, "the heart"). Every mutation of its
// runtime state happens on its own goroutine; external callers only
// ever send Commands or read a Snapshot.
type Actor struct {
	cfg    ActorConfig
	device *registry.Device
	scenes *scene.Registry
	store  *statestore.Store
	pub    events.Publisher
	log    logrus.FieldLogger

	mailbox chan Command
	doneCh  chan struct{}

	// renderResultC and renderInFlight are owned exclusively by the
	// Run goroutine — no other goroutine touches them — so they need
	// no lock. A render tick runs on its own goroutine so the mailbox
	// stays responsive while it blocks on driver I/O; its result is
	// collected here, checked for staleness, and only then applied.
	renderResultC chan renderResult
	renderInFlight bool

	// snapMu guards the fields below; the render loop itself is
	// single-threaded, so snapMu exists purely to let Snapshot() be
	// called safely from other goroutines (HTTP status handler,
	// Watchdog).
	snapMu sync.Mutex

	activeScene  string
	targetScene  string
	generationID uint64
	status       Status
	playState    PlayState
	lastSwitchTS time.Time
	displayOn    bool
	brightness   int
	lastPayload  map[string]interface{}
	lastError    string
	loggingLevel string

	nextDelay *time.Duration

	failureCount    int
	failureWindowAt time.Time
}

// NewActor builds an idle actor for device. Call Run to start it.
func NewActor(cfg ActorConfig, device *registry.Device, scenes *scene.Registry, store *statestore.Store, pub events.Publisher, log logrus.FieldLogger) *Actor {
	if cfg.FailureK <= 0 {
		cfg.FailureK = 5
	}
	if cfg.FailureW <= 0 {
		cfg.FailureW = 60 * time.Second
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Actor{
		cfg:           cfg,
		device:        device,
		scenes:        scenes,
		store:         store,
		pub:           pub,
		log:           log.WithField("host", cfg.Host),
		mailbox:       make(chan Command, mailboxCapacity),
		doneCh:        make(chan struct{}),
		renderResultC: make(chan renderResult, 1),
		status:        StatusIdle,
		playState:     PlayStateStopped,
		displayOn:     cfg.InitialDisplayOn,
		brightness:    cfg.InitialBrightness,
		loggingLevel:  cfg.InitialLoggingLevel,
	}
}

// Enqueue submits a command to the actor's mailbox. It never blocks:
// a full mailbox is a transient backpressure error per §9, not a
// dropped command.
func (a *Actor) Enqueue(cmd Command) error {
	select {
	case a.mailbox <- cmd:
		return nil
	default:
		return errs.NewTransportError(errs.Context{Source: "scheduler.Enqueue", Host: a.cfg.Host},
			fmt.Errorf("mailbox full, command %q dropped", cmd.commandName()))
	}
}

// Snapshot returns a consistent copy of the device's runtime state.
func (a *Actor) Snapshot() Snapshot {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	return Snapshot{
		Host:         a.cfg.Host,
		DeviceType:   a.cfg.DeviceType,
		ActiveScene:  a.activeScene,
		TargetScene:  a.targetScene,
		GenerationID: a.generationID,
		Status:       a.status,
		PlayState:    a.playState,
		LastSwitchTS: a.lastSwitchTS.UnixMilli(),
		DisplayOn:    a.displayOn,
		Brightness:   a.brightness,
		LastError:    a.lastError,
		LoggingLevel: a.loggingLevel,
	}
}

// Done is closed once the actor's Run loop returns.
func (a *Actor) Done() <-chan struct{} { return a.doneCh }

// Run is the single render loop + command dispatcher (§4.5, §5). It
// must run on its own goroutine and must be the only goroutine that
// mutates the actor's runtime fields.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.doneCh)

	minuteTicker := time.NewTicker(time.Minute)
	defer minuteTicker.Stop()

	// Seed the persisted power/brightness fields with the starting
	// values, so a snapshot taken before any command carries them.
	a.persistDeviceField("brightness", a.brightness)
	a.persistDeviceField("displayOn", a.displayOn)

	if a.cfg.StartupScene != "" {
		a.switchTo(ctx, a.cfg.StartupScene, nil, false, true)
		if a.cfg.InitialPlayState == PlayStatePaused {
			a.pause()
		}
	}

	for {
		var timer *time.Timer
		var tickC <-chan time.Time
		var resultC <-chan renderResult
		if a.renderInFlight {
			resultC = a.renderResultC
		} else {
			a.withLock(func() {
				if a.nextDelay != nil {
					timer = time.NewTimer(*a.nextDelay)
					tickC = timer.C
				}
			})
		}

		select {
		case cmd, ok := <-a.mailbox:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return
			}
			if a.dispatch(ctx, cmd) {
				return
			}
		case <-tickC:
			a.startRenderTick(ctx)
		case res := <-resultC:
			a.handleRenderResult(ctx, res)
		case <-minuteTicker.C:
			a.evaluateSchedule(ctx)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			a.runShutdown(context.Background())
			return
		}
	}
}

// renderResult is the outcome of one scene render, delivered back to
// the Run loop across a goroutine boundary so a blocking driver.Push
// inside render never stalls the mailbox.
type renderResult struct {
	gen       uint64
	sceneName string
	next      *int
	err       error
	elapsed   time.Duration
}

func (a *Actor) withLock(fn func()) {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	fn()
}

func (a *Actor) dispatch(ctx context.Context, cmd Command) (shutdown bool) {
	switch c := cmd.(type) {
	case SwitchCommand:
		a.switchTo(ctx, c.Scene, c.Payload, c.Clear, true)
	case PauseCommand:
		a.pause()
	case ResumeCommand:
		a.resume()
	case StopCommand:
		a.stop(ctx)
	case RestartCommand:
		name, payload := a.currentSceneAndPayload()
		a.switchTo(ctx, name, payload, true, true)
	case SetBrightnessCommand:
		a.setBrightness(ctx, c.Level)
	case SetPowerCommand:
		a.setPower(ctx, c.On)
	case ResetCommand:
		a.reset(ctx)
	case hotSwapCommand:
		a.hotSwap(ctx, c)
	case ShutdownCommand:
		a.runShutdown(ctx)
		if c.Done != nil {
			close(c.Done)
		}
		return true
	default:
		a.log.Warnf("scheduler: unknown command type %T", cmd)
	}
	return false
}

func (a *Actor) currentSceneAndPayload() (string, map[string]interface{}) {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	return a.activeScene, a.lastPayload
}

// switchTo implements the five-step switch protocol in §4.5.
// bumpGeneration is false only when the caller (hot-swap) has already
// incremented generationId itself, so the whole operation advances it
// exactly once (§8 testable property 6).
func (a *Actor) switchTo(ctx context.Context, name string, payload map[string]interface{}, clear bool, bumpGeneration bool) {
	mod, ok := a.scenes.Get(name)
	if !ok {
		a.recordError(ctx, errs.NewValidationError(a.errCtx(""), fmt.Errorf("unknown scene %q", name)))
		return
	}
	caps := a.device.Capabilities
	if !caps.Satisfies(mod.RequiredCapabilities) {
		a.recordError(ctx, errs.NewCapabilityError(a.errCtx(name), errs.ErrNotSupported))
		return
	}
	if !mod.AllowsDeviceType(a.cfg.DeviceType) {
		a.recordError(ctx, errs.NewValidationError(a.errCtx(name), fmt.Errorf("scene %q not allowed on device type %q", name, a.cfg.DeviceType)))
		return
	}

	var oldName string
	a.withLock(func() {
		a.status = StatusSwitching
		a.targetScene = name
		if bumpGeneration {
			a.generationID++
		}
		oldName = a.activeScene
	})
	gen := a.Snapshot().GenerationID
	a.publishTransition(ctx)

	if oldName != "" {
		if oldMod, ok := a.scenes.Get(oldName); ok {
			a.runCleanup(ctx, oldMod, oldName, gen)
		}
	}

	drv := a.device.Driver()
	if clear {
		drv.Clear()
		if _, err := drv.Push(ctx); err != nil {
			a.log.WithError(err).Debug("scheduler: clear-push before switch failed")
		}
	}
	a.resetSceneInstanceState(name)

	sctx := a.buildContext(ctx, name, gen, payload, drv)
	if mod.Init != nil {
		if err := a.runInit(ctx, mod, sctx); err != nil {
			a.withLock(func() { a.status = StatusIdle; a.nextDelay = nil })
			a.recordError(ctx, errs.NewSceneRuntimeError(a.errCtx(name), err))
			a.publishTransition(ctx)
			return
		}
	}

	a.withLock(func() {
		a.activeScene = name
		a.lastPayload = payload
		a.lastSwitchTS = time.Now()
		a.status = StatusRunning
		a.playState = PlayStatePlaying
		a.failureCount = 0
		a.lastError = ""
	})
	a.persistDeviceField("activeScene", name)
	a.persistDeviceField("playState", string(PlayStatePlaying))

	if mod.WantsLoop {
		d := time.Duration(caps.MinDelayMS()) * time.Millisecond
		a.withLock(func() { a.nextDelay = &d })
	} else {
		a.renderOnce(ctx, mod, gen, drv)
	}
	a.publishTransition(ctx)
}

// persistDeviceField writes one of the five §3 "Persistence (narrow)"
// fields into the device's State Store subtree, which is what
// actually arms the debounced write (internal/statestore/store.go) —
// mutating the Actor's own in-memory copy of the field is not enough.
func (a *Actor) persistDeviceField(field string, value interface{}) {
	_ = a.store.Set(statestore.Path("device."+a.cfg.Host+"."+field), value)
}

func (a *Actor) resetSceneInstanceState(name string) {
	path := statestore.Path("scene." + a.cfg.Host + "." + name + ".frameCount")
	_ = a.store.Set(path, uint64(0))
	_ = a.store.Set(statestore.Path("scene."+a.cfg.Host+"."+name+".startedAtMs"), time.Now().UnixMilli())
	_ = a.store.Set(statestore.Path("scene."+a.cfg.Host+"."+name+".data"), map[string]interface{}{})
}

func (a *Actor) buildContext(ctx context.Context, name string, gen uint64, payload map[string]interface{}, drv driver.Driver) *sceneContext {
	fc, _ := a.store.Get(statestore.Path("scene."+a.cfg.Host+"."+name+".frameCount"), uint64(0)).(uint64)
	started, _ := a.store.Get(statestore.Path("scene."+a.cfg.Host+"."+name+".startedAtMs"), int64(0)).(int64)
	return &sceneContext{
		Context:    ctx,
		host:       a.cfg.Host,
		deviceType: a.cfg.DeviceType,
		caps:       a.device.Capabilities,
		gen:        gen,
		drv:        drv,
		store:      a.store,
		sceneName:  name,
		payload:    payload,
		frameCount: fc,
		startedAt:  started,
	}
}

func (a *Actor) runInit(ctx context.Context, mod scene.Module, sctx *sceneContext) error {
	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	sctx.Context = ictx

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in scene init: %v", r)
			}
		}()
		done <- mod.Init(sctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ictx.Done():
		return ictx.Err()
	}
}

func (a *Actor) runCleanup(ctx context.Context, mod scene.Module, name string, gen uint64) {
	if mod.Cleanup == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	sctx := a.buildContext(cctx, name, gen, nil, a.device.Driver())

	done := make(chan struct{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Warnf("scheduler: panic in scene cleanup: %v", r)
			}
			close(done)
		}()
		if err := mod.Cleanup(sctx); err != nil {
			a.log.WithError(err).Debug("scheduler: scene cleanup returned error, ignored")
		}
	}()

	select {
	case <-done:
	case <-cctx.Done():
		a.log.Warn("scheduler: scene cleanup timed out, abandoning")
	}
}

func (a *Actor) renderOnce(ctx context.Context, mod scene.Module, gen uint64, drv driver.Driver) {
	sctx := a.buildContext(ctx, a.snapshotActiveScene(), gen, a.snapshotPayload(), drv)
	_, err := mod.Render(sctx)
	if a.Snapshot().GenerationID != gen {
		drv.Metrics().RecordSkipped()
		a.pub.PublishFrameOutcome(events.FrameOutcome{Host: a.cfg.Host, SceneName: mod.Name, Skipped: true})
		return
	}
	if err != nil {
		a.recordError(ctx, errs.NewSceneRuntimeError(a.errCtx(mod.Name), err))
		return
	}
	a.advanceFrameCount(mod.Name)
	a.publishMetricsTick(mod.Name, drv, gen)
	a.withLock(func() {
		a.playState = PlayStateComplete
		a.status = StatusIdle
		a.nextDelay = nil
	})
	a.persistDeviceField("playState", string(PlayStateComplete))
}

func (a *Actor) snapshotActiveScene() string   { return a.Snapshot().ActiveScene }
func (a *Actor) snapshotPayload() map[string]interface{} {
	_, p := a.currentSceneAndPayload()
	return p
}

// startRenderTick begins one iteration of the §4.5 pseudocontract
// loop body on its own goroutine. The mailbox keeps draining while
// this runs, so a Switch/Stop/hot-swap can bump generationId before
// the render returns — handleRenderResult then discards it as stale.
func (a *Actor) startRenderTick(ctx context.Context) {
	snap := a.Snapshot()
	if snap.Status != StatusRunning || snap.PlayState == PlayStatePaused {
		a.withLock(func() { a.nextDelay = nil })
		return
	}
	mod, ok := a.scenes.Get(snap.ActiveScene)
	if !ok {
		a.withLock(func() { a.nextDelay = nil })
		return
	}

	drv := a.device.Driver()
	sctx := a.buildContext(ctx, snap.ActiveScene, snap.GenerationID, a.snapshotPayload(), drv)
	gen := snap.GenerationID
	name := snap.ActiveScene

	a.renderInFlight = true
	go func() {
		t0 := time.Now()
		next, err := mod.Render(sctx)
		a.renderResultC <- renderResult{gen: gen, sceneName: name, next: next, err: err, elapsed: time.Since(t0)}
	}()
}

// handleRenderResult applies the outcome of a render started by
// startRenderTick, iff the device's generation has not moved on in
// the meantime (the stale-drop invariant, §8 property 2).
func (a *Actor) handleRenderResult(ctx context.Context, res renderResult) {
	a.renderInFlight = false
	drv := a.device.Driver()

	if a.Snapshot().GenerationID != res.gen {
		drv.Metrics().RecordSkipped()
		a.pub.PublishFrameOutcome(events.FrameOutcome{Host: a.cfg.Host, SceneName: res.sceneName, Skipped: true})
		return
	}
	mod, ok := a.scenes.Get(res.sceneName)
	if !ok {
		a.withLock(func() { a.nextDelay = nil })
		return
	}

	if res.err != nil {
		a.recordSceneFailure(ctx, mod, res.err)
		if a.Snapshot().Status != StatusRunning {
			return
		}
		d := a.computeDelay(mod, nil, res.elapsed)
		a.withLock(func() { a.nextDelay = &d })
		return
	}

	a.advanceFrameCount(res.sceneName)
	a.publishMetricsTick(res.sceneName, drv, res.gen)
	a.withLock(func() { a.failureCount = 0 })

	if res.next == nil {
		a.withLock(func() {
			a.playState = PlayStateComplete
			a.status = StatusIdle
			a.nextDelay = nil
		})
		a.persistDeviceField("playState", string(PlayStateComplete))
		a.publishTransition(ctx)
		return
	}

	d := a.computeDelay(mod, res.next, res.elapsed)
	a.withLock(func() { a.nextDelay = &d })
}

// publishMetricsTick reports the driver's accumulated counters after a
// tick that produced a successful push, per §4.9's "on every
// successful push, publish a metrics tick" and §4.8's frame accounting.
func (a *Actor) publishMetricsTick(sceneName string, drv driver.Driver, gen uint64) {
	snap := drv.Metrics().Snapshot()
	a.pub.PublishMetricsTick(events.MetricsTick{
		Host:         a.cfg.Host,
		SceneName:    sceneName,
		FrametimeMS:  snap.LastFrametimeMS,
		Pushes:       snap.Pushes,
		Errors:       snap.Errors,
		LastSeenTS:   snap.LastSeenTS,
		GenerationID: gen,
	})
}

func (a *Actor) advanceFrameCount(sceneName string) {
	path := statestore.Path("scene." + a.cfg.Host + "." + sceneName + ".frameCount")
	_ = a.store.Update(path, func(cur interface{}) interface{} {
		n, _ := cur.(uint64)
		return n + 1
	})
}

func (a *Actor) computeDelay(mod scene.Module, next *int, elapsed time.Duration) time.Duration {
	minD := time.Duration(a.device.Capabilities.MinDelayMS()) * time.Millisecond
	var d time.Duration
	if next != nil {
		d = time.Duration(*next) * time.Millisecond
	} else {
		d = minD
	}
	if mod.AdaptiveTiming {
		if adaptive := time.Duration(float64(elapsed) * 1.05); adaptive > d {
			d = adaptive
		}
	}
	if d < minD {
		d = minD
	}
	if d > maxTickDelay {
		d = maxTickDelay
	}
	return d
}

func (a *Actor) recordSceneFailure(ctx context.Context, mod scene.Module, err error) {
	a.recordError(ctx, errs.NewSceneRuntimeError(a.errCtx(mod.Name), err))

	now := time.Now()
	var fallback bool
	a.withLock(func() {
		if a.failureWindowAt.IsZero() || now.Sub(a.failureWindowAt) > a.cfg.FailureW {
			a.failureWindowAt = now
			a.failureCount = 0
		}
		a.failureCount++
		if a.failureCount >= a.cfg.FailureK {
			fallback = true
			a.failureCount = 0
		}
	})
	if !fallback {
		return
	}
	if a.cfg.FallbackScene != "" {
		a.log.Warnf("scheduler: %d render failures within %s, switching to fallback scene %q", a.cfg.FailureK, a.cfg.FailureW, a.cfg.FallbackScene)
		a.switchTo(ctx, a.cfg.FallbackScene, nil, true, true)
	} else {
		a.log.Warnf("scheduler: %d render failures within %s, stopping (no fallback configured)", a.cfg.FailureK, a.cfg.FailureW)
		a.stop(ctx)
	}
}

func (a *Actor) pause() {
	var paused bool
	a.withLock(func() {
		if a.status == StatusRunning {
			a.playState = PlayStatePaused
			a.nextDelay = nil
			paused = true
		}
	})
	if paused {
		a.persistDeviceField("playState", string(PlayStatePaused))
	}
}

func (a *Actor) resume() {
	var rearm bool
	a.withLock(func() {
		if a.status == StatusRunning && a.playState == PlayStatePaused {
			a.playState = PlayStatePlaying
			rearm = true
		}
	})
	if rearm {
		d := time.Duration(a.device.Capabilities.MinDelayMS()) * time.Millisecond
		a.withLock(func() { a.nextDelay = &d })
		a.persistDeviceField("playState", string(PlayStatePlaying))
	}
}

func (a *Actor) stop(ctx context.Context) {
	var oldName string
	a.withLock(func() {
		oldName = a.activeScene
		a.status = StatusStopping
		a.generationID++
	})
	if oldName != "" {
		if oldMod, ok := a.scenes.Get(oldName); ok {
			a.runCleanup(ctx, oldMod, oldName, a.Snapshot().GenerationID)
		}
	}
	drv := a.device.Driver()
	drv.Clear()
	if _, err := drv.Push(ctx); err != nil {
		a.log.WithError(err).Debug("scheduler: clear-push during stop failed")
	}
	a.withLock(func() {
		a.status = StatusIdle
		a.playState = PlayStateStopped
		a.activeScene = ""
		a.targetScene = ""
		a.nextDelay = nil
	})
	a.persistDeviceField("activeScene", "")
	a.persistDeviceField("playState", string(PlayStateStopped))
	a.publishTransition(ctx)
}

func (a *Actor) reset(ctx context.Context) {
	name, payload := a.currentSceneAndPayload()
	a.stop(ctx)
	if name != "" {
		a.switchTo(ctx, name, payload, true, true)
	}
}

func (a *Actor) setBrightness(ctx context.Context, level int) {
	if level < 0 || level > 100 {
		a.recordError(ctx, errs.NewValidationError(a.errCtx(""), fmt.Errorf("brightness %d out of range", level)))
		return
	}
	drv := a.device.Driver()
	if err := drv.SetBrightness(ctx, level); err != nil {
		a.recordError(ctx, err)
		return
	}
	_ = a.store.Set(statestore.Path("device."+a.cfg.Host+".brightness"), level)
	a.withLock(func() { a.brightness = level })
}

func (a *Actor) setPower(ctx context.Context, on bool) {
	drv := a.device.Driver()
	if err := drv.SetDisplayPower(ctx, on); err != nil {
		a.recordError(ctx, err)
		return
	}
	_ = a.store.Set(statestore.Path("device."+a.cfg.Host+".displayOn"), on)
	a.withLock(func() { a.displayOn = on })
}

// hotSwap installs a new driver while the loop is paused mid-
// command-processing (the mailbox, by construction, reads no other
// command concurrently), per §4.2's hot-swap contract.
func (a *Actor) hotSwap(ctx context.Context, c hotSwapCommand) {
	activeScene, payload := a.currentSceneAndPayload()
	old := a.device.Driver()

	a.withLock(func() {
		a.status = StatusStopping
		a.generationID++
	})

	_ = old.Shutdown(ctx)
	a.device.InstallDriver(c.driver, c.kind)
	if err := c.driver.Initialize(ctx); err != nil {
		a.log.WithError(err).Warn("scheduler: hot-swapped driver failed to initialize")
	}

	a.withLock(func() { a.status = StatusIdle })
	if activeScene != "" {
		a.switchTo(ctx, activeScene, payload, false, false)
	}

	if c.done != nil {
		close(c.done)
	}
}

func (a *Actor) evaluateSchedule(ctx context.Context) {
	now := time.Now()
	wd := int(now.Weekday())
	minuteOfDay := now.Hour()*60 + now.Minute()

	for _, mod := range a.scenes.List(a.cfg.DeviceType, a.device.Capabilities) {
		if mod.Schedule == nil {
			continue
		}
		inWindow := mod.Schedule.InWindow(wd, minuteOfDay)
		snap := a.Snapshot()
		isActive := snap.ActiveScene == mod.Name && snap.Status == StatusRunning
		if inWindow && !isActive {
			a.switchTo(ctx, mod.Name, nil, true, true)
		} else if !inWindow && isActive {
			a.stop(ctx)
		}
	}

	if mod, ok := a.scenes.Get(a.Snapshot().ActiveScene); ok && mod.SceneTimeoutMinutes > 0 {
		snap := a.Snapshot()
		if snap.Status == StatusRunning && now.Sub(a.lastSwitchTimestamp()) >= time.Duration(mod.SceneTimeoutMinutes)*time.Minute {
			a.log.Infof("scheduler: scene %q timed out after %d minutes", mod.Name, mod.SceneTimeoutMinutes)
			a.stop(ctx)
		}
	}
}

func (a *Actor) lastSwitchTimestamp() time.Time {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()
	return a.lastSwitchTS
}

func (a *Actor) runShutdown(ctx context.Context) {
	name, _ := a.currentSceneAndPayload()
	if name != "" {
		if mod, ok := a.scenes.Get(name); ok {
			a.runCleanup(ctx, mod, name, a.Snapshot().GenerationID)
		}
	}
	drv := a.device.Driver()
	sctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if err := drv.Shutdown(sctx); err != nil {
		a.log.WithError(err).Warn("scheduler: driver shutdown failed")
	}
	a.withLock(func() {
		a.status = StatusIdle
		a.playState = PlayStateStopped
		a.nextDelay = nil
	})
}

func (a *Actor) errCtx(sceneName string) errs.Context {
	return errs.Context{Source: "scheduler", Host: a.cfg.Host, Scene: sceneName, GenerationID: a.Snapshot().GenerationID}
}

func (a *Actor) recordError(ctx context.Context, err error) {
	a.device.Driver().Metrics().RecordError()
	a.withLock(func() { a.lastError = err.Error() })
	a.log.WithError(err).Debug("scheduler: error recorded")
	snap := a.Snapshot()
	sceneName := snap.ActiveScene
	if sceneName == "" {
		sceneName = snap.TargetScene
	}
	a.pub.PublishFrameOutcome(events.FrameOutcome{Host: a.cfg.Host, SceneName: sceneName, Errored: true})
	a.publishTransitionWithError(ctx, err)
}

func (a *Actor) publishTransition(ctx context.Context) {
	a.publishTransitionWithError(ctx, nil)
}

func (a *Actor) publishTransitionWithError(ctx context.Context, err error) {
	snap := a.Snapshot()
	caps := a.device.Capabilities
	t := events.Transition{
		Host:         snap.Host,
		DeviceType:   snap.DeviceType,
		ActiveScene:  snap.ActiveScene,
		TargetScene:  snap.TargetScene,
		GenerationID: snap.GenerationID,
		Status:       string(snap.Status),
		PlayState:    string(snap.PlayState),
		Timestamp:    time.Now(),
		BuildNumber:  a.cfg.BuildNumber,
		GitCommit:    a.cfg.GitCommit,
		Version:      a.cfg.BuildVersion,
		Capabilities: map[string]interface{}{
			"width": caps.Width, "height": caps.Height, "colorDepth": caps.ColorDepth,
			"hasAudio": caps.HasAudio, "hasTextRendering": caps.HasTextRendering,
			"hasPrimitiveDrawing": caps.HasPrimitiveDrawing, "hasIconSupport": caps.HasIconSupport,
			"hasBrightnessControl": caps.HasBrightnessControl, "minBrightness": caps.MinBrightness,
			"maxBrightness": caps.MaxBrightness, "maxFps": caps.MaxFPS,
		},
	}
	if err != nil {
		t.Error = err.Error()
	}
	a.pub.PublishTransition(t)
}
