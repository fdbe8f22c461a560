package rover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roverlink/roverlink/internal/capability"
	"github.com/roverlink/roverlink/internal/components"
	"github.com/roverlink/roverlink/internal/protocol/i2cbus"
	"github.com/roverlink/roverlink/internal/rpc"
)

// ErrBadArgument reports a remote invocation argument that does not
// fit the method's signature.
var ErrBadArgument = errors.New("rover: bad argument")

const releaseTimeout = 5 * time.Second

// api builds the remotely exposed object tree. The root object lists
// and acquires capabilities; each acquisition mints a sub-object with
// the component's methods plus release.
type api struct {
	registry *capability.Registry
	bus      *i2cbus.Bus
	creds    *components.Credentials
}

func (a *api) root() *rpc.Object {
	return &rpc.Object{
		Name:     "controller",
		TypeName: "Controller",
		Doc:      "Root object of the rover controller daemon.",
		Methods: []rpc.Method{
			{
				Name: "init",
				Doc:  "List the capability names this controller exposes.",
				Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
					return rpc.Value(a.registry.Capabilities()), nil
				},
			},
			{
				Name: "acquire",
				Doc:  "Acquire a capability by name and mint its object.",
				Args: []string{"capability"},
				Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
					name, err := stringArg(args, 0, "capability")
					if err != nil {
						return rpc.Result{}, err
					}
					h, err := a.registry.Acquire(ctx, name)
					if err != nil {
						return rpc.Result{}, err
					}
					return rpc.Mint(a.mintComponent(h)), nil
				},
			},
		},
	}
}

// mintComponent wraps the acquired handle in an object whose release
// runs at most once, whether the client called it or just went away.
func (a *api) mintComponent(h *capability.Handle) *rpc.Object {
	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := a.registry.Release(ctx, h); err != nil {
				log.Warn().Err(err).Str("capability", h.Name()).Msg("release failed")
			}
		})
	}

	obj := a.componentObject(h)
	obj.Methods = append(obj.Methods, rpc.Method{
		Name: "release",
		Doc:  "Release this acquisition. The object is unusable afterwards.",
		Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
			release()
			return rpc.Value(nil), nil
		},
	})
	obj.Cleanup = release
	return obj
}

// componentObject maps a capability name to its method table. Names
// are the controller's own; a capability without a known table still
// mints (holding it up counts), it just has nothing to call.
func (a *api) componentObject(h *capability.Handle) *rpc.Object {
	obj := &rpc.Object{Name: h.Name(), TypeName: h.Name()}
	reg, physical := h.Locator()

	switch {
	case h.Name() == "Credentials":
		obj.Methods = a.credentialMethods()
	case !physical:
		obj.Doc = "Virtual capability with no remote methods beyond release."
	case h.Name() == "VersionInfo":
		obj.Methods = versionMethods(components.NewVersionInfo(a.bus, reg))
	case h.Name() == "BatteryVoltageReader":
		obj.Methods = batteryMethods(components.NewBatteryVoltageReader(a.bus, reg))
	case h.Name() == "Buzzer":
		obj.Methods = buzzerMethods(components.NewBuzzer(a.bus, reg))
	case h.Name() == "LEDs":
		obj.Methods = ledMethods(components.NewLEDs(a.bus, reg))
	case h.Name() == "Photoresistor":
		obj.Methods = photoresistorMethods(components.NewPhotoresistor(a.bus, reg))
	default:
		obj.Doc = "Capability with no remote methods beyond release."
	}
	return obj
}

func versionMethods(v *components.VersionInfo) []rpc.Method {
	return []rpc.Method{{
		Name: "version",
		Doc:  "Controller firmware version as [major, minor].",
		Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
			major, minor, err := v.Version(ctx)
			if err != nil {
				return rpc.Result{}, err
			}
			return rpc.Value([]int{int(major), int(minor)}), nil
		},
	}}
}

func batteryMethods(b *components.BatteryVoltageReader) []rpc.Method {
	return []rpc.Method{
		{
			Name: "millivolts",
			Doc:  "Current battery voltage in millivolts.",
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				mv, err := b.Millivolts(ctx)
				if err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(mv), nil
			},
		},
		{
			Name: "should_shut_down",
			Doc:  "Whether the controller wants the host to power off.",
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				down, err := b.ShouldShutDown(ctx)
				if err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(down), nil
			},
		},
	}
}

func buzzerMethods(b *components.Buzzer) []rpc.Method {
	return []rpc.Method{
		{
			Name: "is_currently_playing",
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				playing, err := b.IsCurrentlyPlaying(ctx)
				if err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(playing), nil
			},
		},
		{
			Name: "wait",
			Doc:  "Block until the buzzer finishes the current tune.",
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				if err := b.Wait(ctx); err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(nil), nil
			},
		},
		{
			Name:     "play",
			Doc:      "Upload a tune in buzzer notation and start it.",
			Args:     []string{"notes"},
			Defaults: []any{"o4l16ceg>c8"},
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				notes := "o4l16ceg>c8"
				if len(args) > 0 {
					var err error
					if notes, err = stringArg(args, 0, "notes"); err != nil {
						return rpc.Result{}, err
					}
				}
				if err := b.Play(ctx, notes); err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(nil), nil
			},
		},
	}
}

func ledMethods(l *components.LEDs) []rpc.Method {
	return []rpc.Method{
		{
			Name: "set_led",
			Args: []string{"index", "red", "green", "blue"},
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				vals := make([]int, 4)
				for i, name := range []string{"index", "red", "green", "blue"} {
					v, err := intArg(args, i, name)
					if err != nil {
						return rpc.Result{}, err
					}
					vals[i] = v
				}
				rgb := [3]byte{byte(vals[1]), byte(vals[2]), byte(vals[3])}
				if err := l.SetLED(ctx, vals[0], rgb); err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(nil), nil
			},
		},
		{
			Name: "set_many_leds",
			Doc:  "Apply a list of [index, red, green, blue] entries, then show once.",
			Args: []string{"leds"},
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				if len(args) < 1 {
					return rpc.Result{}, fmt.Errorf("%w: missing %q", ErrBadArgument, "leds")
				}
				entries, ok := args[0].([]any)
				if !ok {
					return rpc.Result{}, fmt.Errorf("%w: %q must be a list", ErrBadArgument, "leds")
				}
				vals := make(map[int][3]byte, len(entries))
				for _, entry := range entries {
					quad, ok := entry.([]any)
					if !ok || len(quad) != 4 {
						return rpc.Result{}, fmt.Errorf("%w: each led entry is [index, red, green, blue]", ErrBadArgument)
					}
					nums := make([]int, 4)
					for i, name := range []string{"index", "red", "green", "blue"} {
						v, err := intArg(quad, i, name)
						if err != nil {
							return rpc.Result{}, err
						}
						nums[i] = v
					}
					vals[nums[0]] = [3]byte{byte(nums[1]), byte(nums[2]), byte(nums[3])}
				}
				if err := l.SetManyLEDs(ctx, vals); err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(nil), nil
			},
		},
		{
			Name: "set_brightness",
			Args: []string{"brightness"},
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				v, err := intArg(args, 0, "brightness")
				if err != nil {
					return rpc.Result{}, err
				}
				if err := l.SetBrightness(ctx, byte(v)); err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(nil), nil
			},
		},
		{
			Name: "set_mode",
			Doc:  "0 manual, 1 spin, 2 pulse.",
			Args: []string{"mode"},
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				v, err := intArg(args, 0, "mode")
				if err != nil {
					return rpc.Result{}, err
				}
				if err := l.SetMode(ctx, byte(v)); err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(nil), nil
			},
		},
	}
}

func photoresistorMethods(p *components.Photoresistor) []rpc.Method {
	return []rpc.Method{{
		Name: "read",
		Doc:  "Sampled millivolts and computed resistance in ohms.",
		Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
			mv, ohms, err := p.Read(ctx)
			if err != nil {
				return rpc.Result{}, err
			}
			return rpc.Value(map[string]any{"millivolts": mv, "ohms": ohms}), nil
		},
	}}
}

func (a *api) credentialMethods() []rpc.Method {
	type getter func(context.Context) (string, error)
	type setter func(context.Context, string) (bool, error)
	get := func(name string, fn getter) rpc.Method {
		return rpc.Method{
			Name: name,
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				v, err := fn(ctx)
				if err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(v), nil
			},
		}
	}
	set := func(name, arg string, fn setter) rpc.Method {
		return rpc.Method{
			Name: name,
			Doc:  "Stores the value once; refused when one is already set.",
			Args: []string{arg},
			Handler: func(ctx context.Context, args []any) (rpc.Result, error) {
				v, err := stringArg(args, 0, arg)
				if err != nil {
					return rpc.Result{}, err
				}
				stored, err := fn(ctx, v)
				if err != nil {
					return rpc.Result{}, err
				}
				return rpc.Value(stored), nil
			},
		}
	}
	return []rpc.Method{
		get("labs_auth_code", a.creds.LabsAuthCode),
		set("set_labs_auth_code", "code", a.creds.SetLabsAuthCode),
		get("jupyter_password", a.creds.JupyterPassword),
		set("set_jupyter_password", "password", a.creds.SetJupyterPassword),
	}
}

func stringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing %q", ErrBadArgument, name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrBadArgument, name)
	}
	return s, nil
}

func intArg(args []any, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing %q", ErrBadArgument, name)
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, fmt.Errorf("%w: %q must be an integer", ErrBadArgument, name)
}
