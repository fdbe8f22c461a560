package capability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/roverlink/roverlink/internal/testutil/testlog"
)

// fakeController is an in-memory capabilities module. Enable/disable
// transition through the pending state so the registry's status
// polling is actually exercised.
type fakeController struct {
	mu           sync.Mutex
	ready        bool
	comps        map[byte]string
	status       map[byte]Status
	enableCalls  map[byte]int
	disableCalls map[byte]int
	resets       int
}

func newFakeController(comps map[byte]string) *fakeController {
	f := &fakeController{
		comps:        comps,
		status:       make(map[byte]Status),
		enableCalls:  make(map[byte]int),
		disableCalls: make(map[byte]int),
	}
	for reg := range comps {
		f.status[reg] = StatusDisabled
	}
	return f
}

func (f *fakeController) SoftReset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.ready = true
	for reg := range f.status {
		f.status[reg] = StatusDisabled
	}
	return nil
}

func (f *fakeController) IsReady(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, nil
}

func (f *fakeController) NumComponents(ctx context.Context, onlyEnabled bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comps), nil
}

func (f *fakeController) ComponentList(ctx context.Context, n int, onlyEnabled bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	regs := make([]byte, 0, len(f.comps))
	for reg := range f.comps {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs, nil
}

func (f *fakeController) ComponentName(ctx context.Context, reg byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comps[reg], nil
}

func (f *fakeController) Enable(ctx context.Context, reg byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enableCalls[reg]++
	f.status[reg] = StatusEnablePending
	return nil
}

func (f *fakeController) Disable(ctx context.Context, reg byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disableCalls[reg]++
	f.status[reg] = StatusDisablePending
	return nil
}

// Status advances one pending transition per observation, modelling a
// controller whose state change lags the acknowledgement.
func (f *fakeController) Status(ctx context.Context, reg byte) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.status[reg]
	switch s {
	case StatusEnablePending:
		f.status[reg] = StatusEnabled
	case StatusDisablePending:
		f.status[reg] = StatusDisabled
	}
	return s, nil
}

func (f *fakeController) enabled(reg byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[reg] == StatusEnabled || f.status[reg] == StatusEnablePending
}

func newTestRegistry(t *testing.T) (*Registry, *fakeController) {
	t.Helper()
	testlog.Start(t)
	ctrl := newFakeController(map[byte]string{
		1: "Capabilities",
		2: "LEDs",
		3: "Photoresistor",
		5: "Buzzer",
	})
	reg := NewRegistry(ctrl, Descriptor{Name: "Credentials"})
	names, err := reg.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	want := []string{"Buzzer", "Credentials", "LEDs", "Photoresistor"}
	if len(names) != len(want) {
		t.Fatalf("Init names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Init names = %v, want %v", names, want)
		}
	}
	return reg, ctrl
}

func TestAcquireEnablesOnceAndReleaseDisablesAtZero(t *testing.T) {
	reg, ctrl := newTestRegistry(t)
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, "Buzzer")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, err := reg.Acquire(ctx, "Buzzer")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if h1 == h2 {
		t.Fatal("both acquires returned the same handle")
	}
	if got := ctrl.enableCalls[5]; got != 1 {
		t.Fatalf("enable driven %d times, want 1", got)
	}
	if !ctrl.enabled(5) {
		t.Fatal("buzzer not enabled after acquire")
	}

	if err := reg.Release(ctx, h1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ctrl.disableCalls[5] != 0 {
		t.Fatal("disable driven while a holder remains")
	}
	if err := reg.Release(ctx, h2); err != nil {
		t.Fatalf("last Release: %v", err)
	}
	if got := ctrl.disableCalls[5]; got != 1 {
		t.Fatalf("disable driven %d times, want 1", got)
	}
	if ctrl.enabled(5) {
		t.Fatal("buzzer still enabled after last release")
	}
}

func TestUnknownCapability(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Acquire(context.Background(), "Teleporter"); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("Acquire = %v, want ErrUnknownCapability", err)
	}
}

func TestDoubleRelease(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	h, err := reg.Acquire(ctx, "LEDs")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := reg.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := reg.Release(ctx, h); !errors.Is(err, ErrHandleReleased) {
		t.Fatalf("second Release = %v, want ErrHandleReleased", err)
	}
}

func TestForeignHandle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	other, _ := newTestRegistry(t)
	ctx := context.Background()

	h, err := other.Acquire(ctx, "LEDs")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := reg.Release(ctx, h); !errors.Is(err, ErrForeignHandle) {
		t.Fatalf("Release of foreign handle = %v, want ErrForeignHandle", err)
	}
	if err := reg.Release(ctx, nil); !errors.Is(err, ErrForeignHandle) {
		t.Fatalf("Release(nil) = %v, want ErrForeignHandle", err)
	}
}

func TestVirtualCapabilityDrivesNoTransactions(t *testing.T) {
	reg, ctrl := newTestRegistry(t)
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, "Credentials")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, err := reg.Acquire(ctx, "Credentials")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := reg.Release(ctx, h2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := reg.Release(ctx, h1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(ctrl.enableCalls) != 0 || len(ctrl.disableCalls) != 0 {
		t.Fatalf("virtual capability drove transactions: %v %v", ctrl.enableCalls, ctrl.disableCalls)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	reg, ctrl := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h, err := reg.Acquire(ctx, "Buzzer")
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if !ctrl.enabled(5) {
					t.Error("buzzer disabled while held")
					return
				}
				if err := reg.Release(ctx, h); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if ctrl.enabled(5) {
		t.Fatal("buzzer enabled with zero holders")
	}
	if ctrl.enableCalls[5] != ctrl.disableCalls[5] {
		t.Fatalf("enables (%d) != disables (%d)", ctrl.enableCalls[5], ctrl.disableCalls[5])
	}
}

func TestCloseDisablesEverythingAndResets(t *testing.T) {
	reg, ctrl := newTestRegistry(t)
	ctx := context.Background()

	h, err := reg.Acquire(ctx, "Buzzer")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ctrl.enabled(5) {
		t.Fatal("buzzer still enabled after Close")
	}
	if ctrl.resets != 2 { // one from Init, one from Close
		t.Fatalf("resets = %d, want 2", ctrl.resets)
	}
	if err := reg.Release(ctx, h); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Release after Close = %v, want ErrRegistryClosed", err)
	}
	if _, err := reg.Acquire(ctx, "LEDs"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Acquire after Close = %v, want ErrRegistryClosed", err)
	}
}
