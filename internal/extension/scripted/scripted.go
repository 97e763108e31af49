// Package scripted is the built-in extension that lets an operator attach ad-hoc JavaScript to the gateway's event
// bus without recompiling. It is deliberately read-only: the bound API exposes bus.on(event, fn) and a log(...)
// helper that writes to the gateway logger, and nothing else, so a script can observe traffic (for alerting, metrics export, ad-hoc logging) but cannot reach into the store or
// push messages to clients.
package scripted

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/eventbus"
)

// Extension runs a single JS file in its own goja.Runtime at registration time. The script is expected to call
// bus.on(eventName, handler) for every event it cares about; those calls are the only side effect the runtime
// produces during Register.
type Extension struct {
	scriptPath string
	log        zerolog.Logger
	vm         *goja.Runtime
}

// New constructs the scripted extension for the JS file at scriptPath.
func New(scriptPath string, logger zerolog.Logger) *Extension {
	return &Extension{
		scriptPath: scriptPath,
		log:        logger.With().Str("extension", "scripted").Logger(),
	}
}

// Name identifies the extension in startup logs and error messages.
func (e *Extension) Name() string { return "scripted" }

// Register loads and runs the script, binding a read-only bus.on(event, fn) API before execution so that any
// top-level bus.on(...) calls in the script take effect immediately.
func (e *Extension) Register(bus *eventbus.Bus) error {
	src, err := os.ReadFile(e.scriptPath)
	if err != nil {
		return fmt.Errorf("read extension script: %w", err)
	}

	vm := goja.New()
	e.vm = vm

	busObj := vm.NewObject()
	if err := busObj.Set("on", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(vm.NewTypeError("bus.on(event, fn): two arguments required"))
		}
		event := call.Arguments[0].String()
		fn, ok := goja.AssertFunction(call.Arguments[1])
		if !ok {
			panic(vm.NewTypeError("bus.on(event, fn): fn must be a function"))
		}

		bus.Subscribe(event, func(payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				e.log.Error().Err(err).Str("event", event).Msg("failed to marshal payload for script handler")
				return
			}
			var decoded any
			if err := json.Unmarshal(data, &decoded); err != nil {
				decoded = string(data)
			}
			if _, err := fn(goja.Undefined(), vm.ToValue(event), vm.ToValue(decoded)); err != nil {
				e.log.Error().Err(err).Str("event", event).Msg("script handler failed")
			}
		})

		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("bind bus.on: %w", err)
	}
	if err := vm.Set("bus", busObj); err != nil {
		return fmt.Errorf("bind bus: %w", err)
	}

	if err := vm.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, a.Export())
		}
		e.log.Info().Interface("args", args).Msg("script log")
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("bind log: %w", err)
	}

	if _, err := vm.RunString(string(src)); err != nil {
		return fmt.Errorf("run extension script: %w", err)
	}
	return nil
}
