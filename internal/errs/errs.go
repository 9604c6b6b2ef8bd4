// Package errs implements the daemon's error taxonomy. Rather than
// sentinel values, each class is a distinct wrapping type with an
// Is*Error predicate, following the same shape as the condition
// errors a sync loop can return to its controller: several causes can
// share one class, and callers that only care about the class (not the
// specific cause) test with the predicate instead of errors.Is on a
// fixed value.
package errs

import "fmt"

// Context carries the structured fields every taxonomy error attaches,
// per the propagation policy: "all errors are structured (source,
// host, scene, generationId, cause)".
type Context struct {
	Source       string
	Host         string
	Scene        string
	GenerationID uint64
}

type taxonomyError struct {
	class string
	ctx   Context
	cause error
}

func (e *taxonomyError) Error() string {
	msg := fmt.Sprintf("%s: host=%s", e.class, e.ctx.Host)
	if e.ctx.Scene != "" {
		msg += fmt.Sprintf(" scene=%s", e.ctx.Scene)
	}
	if e.ctx.GenerationID != 0 {
		msg += fmt.Sprintf(" gen=%d", e.ctx.GenerationID)
	}
	if e.ctx.Source != "" {
		msg += fmt.Sprintf(" source=%s", e.ctx.Source)
	}
	if e.cause != nil {
		msg += fmt.Sprintf(": %v", e.cause)
	}
	return msg
}

func (e *taxonomyError) Unwrap() error { return e.cause }

// GetContext returns the structured fields attached to a taxonomy
// error, or the zero value and false if err is not one.
func GetContext(err error) (Context, bool) {
	te, ok := err.(*taxonomyError)
	if !ok {
		return Context{}, false
	}
	return te.ctx, true
}

const (
	classValidation    = "ValidationError"
	classCapability    = "CapabilityError"
	classTransport     = "TransportError"
	classSceneRuntime  = "SceneRuntimeError"
	classFatalConfig   = "FatalConfigError"
)

// NewValidationError wraps a malformed command, unknown scene/device,
// or out-of-range parameter. It never accompanies a state mutation.
func NewValidationError(ctx Context, cause error) error {
	return &taxonomyError{class: classValidation, ctx: ctx, cause: cause}
}

// NewCapabilityError wraps an operation unsupported by a device's
// capabilities. It is never fatal; callers treat it as NotSupported.
func NewCapabilityError(ctx Context, cause error) error {
	return &taxonomyError{class: classCapability, ctx: ctx, cause: cause}
}

// NewTransportError wraps an HTTP/MQTT I/O failure. The scheduler
// keeps running; the Watchdog owns recovery.
func NewTransportError(ctx Context, cause error) error {
	return &taxonomyError{class: classTransport, ctx: ctx, cause: cause}
}

// NewSceneRuntimeError wraps a panic/error raised from init/render/cleanup.
func NewSceneRuntimeError(ctx Context, cause error) error {
	return &taxonomyError{class: classSceneRuntime, ctx: ctx, cause: cause}
}

// NewFatalConfigError wraps a startup-time configuration failure.
// It is the only class that terminates the process.
func NewFatalConfigError(ctx Context, cause error) error {
	return &taxonomyError{class: classFatalConfig, ctx: ctx, cause: cause}
}

func classOf(err error) (string, bool) {
	te, ok := err.(*taxonomyError)
	if !ok {
		return "", false
	}
	return te.class, true
}

func IsValidationError(err error) bool   { c, ok := classOf(err); return ok && c == classValidation }
func IsCapabilityError(err error) bool   { c, ok := classOf(err); return ok && c == classCapability }
func IsTransportError(err error) bool    { c, ok := classOf(err); return ok && c == classTransport }
func IsSceneRuntimeError(err error) bool { c, ok := classOf(err); return ok && c == classSceneRuntime }
func IsFatalConfigError(err error) bool  { c, ok := classOf(err); return ok && c == classFatalConfig }

// ErrNotSupported is the sentinel cause for an optional driver
// operation the underlying hardware lacks; wrap it with
// NewCapabilityError so a driver's refusal is never mistaken for a
// fatal failure.
var ErrNotSupported = fmt.Errorf("operation not supported by this driver")
