// Package capability is the seam between the core and the OS-specific
// helpers (clipboard, screenshot, media keys, power, input injection).
// The core only knows named capabilities with a timeout contract;
// hosts register implementations at startup, and a missing one
// answers capability_unavailable instead of failing the route.
package capability

import (
	"context"
	"time"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/utils/cmap"
)

// DefaultTimeout bounds every capability call; the core never awaits a
// host helper without one.
const DefaultTimeout = 10 * time.Second

// Well-known capability names.
const (
	ClipboardGet  = `clipboard.get`
	ClipboardSet  = `clipboard.set`
	Screenshot    = `screenshot.capture`
	MediaPlay     = `media.play_pause`
	MediaNext     = `media.next`
	MediaPrev     = `media.previous`
	VolumeSet     = `media.volume`
	PowerShutdown = `power.shutdown`
	PowerRestart  = `power.restart`
	PowerSleep    = `power.sleep`
	PowerLock     = `power.lock`
	InputKey      = `input.key`
	InputPointer  = `input.pointer`
	InputText     = `input.text`
)

// Handler executes one capability call. Implementations must honor the
// context deadline.
type Handler func(ctx context.Context, params map[string]any) (any, error)

type entry struct {
	handler Handler
	timeout time.Duration
}

var registry = cmap.New[*entry]()

// Register installs a handler under name with the default timeout.
func Register(name string, handler Handler) {
	RegisterTimeout(name, handler, DefaultTimeout)
}

// RegisterTimeout installs a handler with a specific deadline.
func RegisterTimeout(name string, handler Handler, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	registry.Set(name, &entry{handler: handler, timeout: timeout})
}

// Unregister removes a capability, typically at shutdown.
func Unregister(name string) {
	registry.Remove(name)
}

// Available reports whether name has an implementation.
func Available(name string) bool {
	return registry.Has(name)
}

// Names lists registered capabilities for the /status feature flags.
func Names() []string {
	return registry.Keys()
}

// Invoke runs the named capability under its timeout. An absent
// implementation or a blown deadline both come back as coded errors
// the handler layer maps straight to a response.
func Invoke(parent context.Context, name string, params map[string]any) (any, error) {
	e, ok := registry.Get(name)
	if !ok {
		return nil, modules.NewError(modules.CodeCapabilityUnavailable, `capability `+name+` is not available on this host`)
	}
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.handler(ctx, params)
		done <- outcome{result, err}
	}()
	select {
	case out := <-done:
		if out.err != nil {
			common.Warn(nil, `CAPABILITY`, `fail`, out.err.Error(), map[string]any{`name`: name})
		}
		return out.result, out.err
	case <-ctx.Done():
		common.Warn(nil, `CAPABILITY`, `timeout`, ``, map[string]any{
			`name`:    name,
			`timeout`: e.timeout.String(),
		})
		return nil, modules.NewError(modules.CodeCapabilityUnavailable, `capability `+name+` timed out`)
	}
}

// Reset drops every registration; tests only.
func Reset() {
	registry.Clear()
}
