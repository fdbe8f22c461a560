package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roverlink/roverlink/internal/protocol/i2cbus"
)

var (
	// ErrUnknownCapability reports an acquire of a name the registry
	// never discovered or registered.
	ErrUnknownCapability = errors.New("capability: unknown capability")

	// ErrForeignHandle reports a release of a handle this registry did
	// not mint.
	ErrForeignHandle = errors.New("capability: handle not issued by this registry")

	// ErrHandleReleased reports a second release of the same handle.
	ErrHandleReleased = errors.New("capability: handle already released")

	// ErrNotReady reports a controller that never signalled readiness
	// after reset.
	ErrNotReady = errors.New("capability: controller not ready")

	// ErrRegistryClosed reports use of a registry after Close.
	ErrRegistryClosed = errors.New("capability: registry closed")
)

// statusTimeout bounds every ready/enabled/disabled convergence poll.
const statusTimeout = time.Second

// Descriptor names one acquirable capability. Locator is the
// component's register number on the controller; nil marks a virtual
// capability implemented entirely in-process. Enabled records whether
// the controller had the component up by default at discovery time.
type Descriptor struct {
	Name    string
	Locator *byte
	Enabled bool
}

// refKey identifies the underlying shared resource. Distinct
// capability names may map to one physical register (the controller's
// ADC backs both "ADC" and "Photoresistor") and then share one
// refcount; virtual capabilities each count alone.
func (d Descriptor) refKey() string {
	if d.Locator == nil {
		return "virtual:" + d.Name
	}
	return fmt.Sprintf("reg:%d", *d.Locator)
}

// Handle is the proof of one acquisition. Every Acquire returns a
// fresh handle even when the underlying resource was already enabled,
// and Release accepts only the exact handle that Acquire returned.
type Handle struct {
	name     string
	desc     Descriptor
	owner    *Registry
	released bool
}

// Name returns the capability name this handle was acquired under.
func (h *Handle) Name() string { return h.name }

// Locator returns the controller register backing this capability,
// or false for virtual capabilities.
func (h *Handle) Locator() (byte, bool) {
	if h.desc.Locator == nil {
		return 0, false
	}
	return *h.desc.Locator, true
}

// Registry owns the capability table and the refcounts. One mutex
// serializes every acquire/release sequence end to end: interleaved
// enable/disable handshakes for the same locator would otherwise race
// on both the count and the controller.
type Registry struct {
	ctrl Controller

	mu     chan struct{} // held across controller transactions, so not a sync.Mutex
	caps   map[string]Descriptor
	refs   map[string]int
	closed bool
}

// NewRegistry builds a registry over ctrl. Virtual capabilities
// (credentials storage, the camera) are registered up front; physical
// ones are discovered by Init.
func NewRegistry(ctrl Controller, virtual ...Descriptor) *Registry {
	r := &Registry{
		ctrl: ctrl,
		mu:   make(chan struct{}, 1),
		caps: make(map[string]Descriptor),
		refs: make(map[string]int),
	}
	for _, d := range virtual {
		d.Locator = nil
		r.caps[d.Name] = d
	}
	return r
}

func (r *Registry) lock(ctx context.Context) error {
	select {
	case r.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) unlock() { <-r.mu }

// Init soft-resets the controller, waits for it to come back, and
// discovers the available components. Returns the sorted capability
// names, virtual ones included. Degraded hardware shows up here as an
// absent name, not as a later runtime failure.
func (r *Registry) Init(ctx context.Context) ([]string, error) {
	if err := r.lock(ctx); err != nil {
		return nil, err
	}
	defer r.unlock()

	if err := r.ctrl.SoftReset(ctx); err != nil {
		return nil, fmt.Errorf("soft reset: %w", err)
	}
	err := i2cbus.PollUntil(ctx, func(ctx context.Context) (bool, error) {
		return r.ctrl.IsReady(ctx)
	}, true, statusTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	n, err := r.ctrl.NumComponents(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("component count: %w", err)
	}
	regs, err := r.ctrl.ComponentList(ctx, n, false)
	if err != nil {
		return nil, fmt.Errorf("component list: %w", err)
	}
	for _, reg := range regs {
		name, err := r.ctrl.ComponentName(ctx, reg)
		if err != nil {
			return nil, fmt.Errorf("component name at register %d: %w", reg, err)
		}
		// The capabilities module itself is not acquirable.
		if name == "Capabilities" {
			continue
		}
		status, err := r.ctrl.Status(ctx, reg)
		if err != nil {
			return nil, fmt.Errorf("component status at register %d: %w", reg, err)
		}
		loc := reg
		r.caps[name] = Descriptor{Name: name, Locator: &loc, Enabled: status == StatusEnabled}
		log.Debug().Str("name", name).Uint8("register", reg).
			Stringer("status", status).Msg("capability discovered")
	}

	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	log.Info().Strs("capabilities", names).Msg("capability registry initialized")
	return names, nil
}

// Capabilities returns the sorted known capability names.
func (r *Registry) Capabilities() []string {
	r.mu <- struct{}{}
	defer r.unlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acquire takes one reference on name's underlying resource and
// returns a fresh handle. The first acquirer of a locator always
// drives the enable handshake and waits for the status to converge,
// even when the controller claims the component is already up; its
// default-enabled reporting has proven unreliable.
func (r *Registry) Acquire(ctx context.Context, name string) (*Handle, error) {
	if err := r.lock(ctx); err != nil {
		return nil, err
	}
	defer r.unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	desc, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}

	key := desc.refKey()
	if n := r.refs[key]; n > 0 {
		r.refs[key] = n + 1
	} else {
		if desc.Locator != nil {
			if err := r.enable(ctx, *desc.Locator); err != nil {
				return nil, fmt.Errorf("acquire %q: %w", name, err)
			}
		}
		r.refs[key] = 1
	}
	log.Debug().Str("name", name).Int("refcount", r.refs[key]).Msg("capability acquired")
	return &Handle{name: name, desc: desc, owner: r}, nil
}

// Release gives back one reference. At zero the underlying resource
// is physically disabled and its refcount entry removed. Double
// releases and handles from another registry are protocol violations.
func (r *Registry) Release(ctx context.Context, h *Handle) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()
	return r.releaseLocked(ctx, h)
}

func (r *Registry) releaseLocked(ctx context.Context, h *Handle) error {
	if h == nil || h.owner != r {
		return ErrForeignHandle
	}
	if r.closed {
		return ErrRegistryClosed
	}
	if h.released {
		return fmt.Errorf("%w: %q", ErrHandleReleased, h.name)
	}
	h.released = true

	key := h.desc.refKey()
	n := r.refs[key]
	if n > 1 {
		r.refs[key] = n - 1
		log.Debug().Str("name", h.name).Int("refcount", n-1).Msg("capability released")
		return nil
	}
	delete(r.refs, key)
	if h.desc.Locator != nil {
		if err := r.disable(ctx, *h.desc.Locator); err != nil {
			return fmt.Errorf("release %q: %w", h.name, err)
		}
	}
	log.Debug().Str("name", h.name).Msg("capability released and disabled")
	return nil
}

// Close disables everything still enabled and soft-resets the
// controller, invalidating all outstanding handles.
func (r *Registry) Close(ctx context.Context) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for _, desc := range r.caps {
		key := desc.refKey()
		if r.refs[key] == 0 || desc.Locator == nil {
			delete(r.refs, key)
			continue
		}
		delete(r.refs, key)
		if err := r.disable(ctx, *desc.Locator); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %q: %w", desc.Name, err)
		}
	}
	if err := r.ctrl.SoftReset(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close: soft reset: %w", err)
	}
	return firstErr
}

func (r *Registry) enable(ctx context.Context, reg byte) error {
	if err := r.ctrl.Enable(ctx, reg); err != nil {
		return err
	}
	return PollStatus(ctx, r.ctrl, reg, StatusEnabled, statusTimeout)
}

func (r *Registry) disable(ctx context.Context, reg byte) error {
	if err := r.ctrl.Disable(ctx, reg); err != nil {
		return err
	}
	return PollStatus(ctx, r.ctrl, reg, StatusDisabled, statusTimeout)
}
