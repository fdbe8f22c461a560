package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roverlink/roverlink/internal/testutil/testlog"
	"github.com/roverlink/roverlink/internal/wire"
)

func startServer(t *testing.T, root *Object, pubsub *PubSub) *Client {
	t.Helper()
	testlog.Start(t)
	srv, err := NewServer(root, pubsub)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return dialServer(t, srv)
}

func dialServer(t *testing.T, srv *Server) *Client {
	t.Helper()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	client, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCallRoundTrip(t *testing.T) {
	root := &Object{
		Name:     "root",
		TypeName: "Echo",
		Methods: []Method{
			{
				Name: "echo",
				Args: []string{"value"},
				Handler: func(ctx context.Context, args []any) (Result, error) {
					return Value(args[0]), nil
				},
			},
			{
				Name: "fail",
				Handler: func(ctx context.Context, args []any) (Result, error) {
					return Result{}, errors.New("buzzer is on fire")
				},
			},
		},
	}
	client := startServer(t, root, nil)
	ctx := context.Background()

	got, err := client.Root().Call(ctx, "echo", "hello")
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if got != "hello" {
		t.Fatalf("echo = %v", got)
	}

	_, err = client.Root().Call(ctx, "fail")
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("fail = %v, want ErrRemote", err)
	}
	if !strings.Contains(err.Error(), "buzzer is on fire") {
		t.Fatalf("remote error text lost: %v", err)
	}

	_, err = client.Root().Call(ctx, "no_such_method")
	if !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("unknown method = %v, want ErrUnknownMethod", err)
	}
}

func TestResultsMatchByIDNotOrder(t *testing.T) {
	release := make(chan struct{})
	root := &Object{
		Name: "root",
		Methods: []Method{
			{
				Name: "slow",
				Handler: func(ctx context.Context, args []any) (Result, error) {
					<-release
					return Value("slow"), nil
				},
			},
			{
				Name: "fast",
				Handler: func(ctx context.Context, args []any) (Result, error) {
					return Value("fast"), nil
				},
			},
		},
	}
	client := startServer(t, root, nil)
	ctx := context.Background()

	slowDone := make(chan any, 1)
	go func() {
		got, err := client.Root().Call(ctx, "slow")
		if err != nil {
			slowDone <- err
			return
		}
		slowDone <- got
	}()

	// The fast call completes while the slow one is still held open.
	got, err := client.Root().Call(ctx, "fast")
	if err != nil {
		t.Fatalf("fast: %v", err)
	}
	if got != "fast" {
		t.Fatalf("fast = %v", got)
	}

	close(release)
	if got := <-slowDone; got != "slow" {
		t.Fatalf("slow = %v", got)
	}
}

func TestInvokePanicIsIsolated(t *testing.T) {
	root := &Object{
		Name: "root",
		Methods: []Method{
			{
				Name: "boom",
				Handler: func(ctx context.Context, args []any) (Result, error) {
					panic("kaboom")
				},
			},
			{
				Name: "ok",
				Handler: func(ctx context.Context, args []any) (Result, error) {
					return Value(true), nil
				},
			},
		},
	}
	client := startServer(t, root, nil)
	ctx := context.Background()

	if _, err := client.Root().Call(ctx, "boom"); !errors.Is(err, ErrRemote) {
		t.Fatalf("boom = %v, want ErrRemote", err)
	}
	// The connection and other methods survive.
	got, err := client.Root().Call(ctx, "ok")
	if err != nil || got != true {
		t.Fatalf("ok after panic = %v, %v", got, err)
	}
}

// counter is a tiny mintable object used by the acquire tests.
type counter struct {
	mu sync.Mutex
	n  int64
}

func (c *counter) object(name string) *Object {
	return &Object{
		Name:     name,
		TypeName: "Counter",
		Methods: []Method{
			{
				Name: "incr",
				Handler: func(ctx context.Context, args []any) (Result, error) {
					c.mu.Lock()
					defer c.mu.Unlock()
					c.n++
					return Value(c.n), nil
				},
			},
		},
	}
}

func TestMintReturnsUsableProxy(t *testing.T) {
	var minted int64
	root := &Object{
		Name: "root",
		Methods: []Method{
			{
				Name: "acquire",
				Handler: func(ctx context.Context, args []any) (Result, error) {
					n := atomic.AddInt64(&minted, 1)
					c := &counter{}
					return Mint(c.object(fmt.Sprintf("counter%d", n))), nil
				},
			},
		},
	}
	client := startServer(t, root, nil)
	ctx := context.Background()

	first, err := client.Root().Call(ctx, "acquire")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p1, ok := first.(*Proxy)
	if !ok {
		t.Fatalf("acquire returned %T, want *Proxy", first)
	}

	second, err := client.Root().Call(ctx, "acquire")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	p2 := second.(*Proxy)

	// Each proxy routes to its own object: independent counters.
	for i := int64(1); i <= 3; i++ {
		got, err := p1.Call(ctx, "incr")
		if err != nil {
			t.Fatalf("p1.incr: %v", err)
		}
		if got != uint64(i) {
			t.Fatalf("p1.incr = %v, want %d", got, i)
		}
	}
	got, err := p2.Call(ctx, "incr")
	if err != nil {
		t.Fatalf("p2.incr: %v", err)
	}
	if got != uint64(1) {
		t.Fatalf("p2.incr = %v, want 1 (independent of p1)", got)
	}
}

func TestPubSubDelivery(t *testing.T) {
	testlog.Start(t)
	var subs, unsubs atomic.Int64
	pubsub := &PubSub{
		Channels:      []string{"telemetry"},
		OnSubscribe:   func(string) { subs.Add(1) },
		OnUnsubscribe: func(string) { unsubs.Add(1) },
	}
	srv, err := NewServer(&Object{Name: "root"}, pubsub)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	client := dialServer(t, srv)
	ctx := context.Background()

	if got := client.Channels(); len(got) != 1 || got[0] != "telemetry" {
		t.Fatalf("Channels = %v", got)
	}

	// A publish before the subscription must not be seen.
	if err := srv.Publish(ctx, "telemetry", "early"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	received := make(chan string, 8)
	err = client.Subscribe(ctx, "telemetry", func(payload wire.RawMessage) {
		var s string
		if err := wire.Unmarshal(payload, &s); err == nil {
			received <- s
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, func() bool { return subs.Load() == 1 })

	if err := srv.Publish(ctx, "telemetry", "sample-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-received:
		if got != "sample-1" {
			t.Fatalf("received %q, want sample-1 (early publish leaked?)", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish never delivered")
	}

	if err := client.Unsubscribe(ctx, "telemetry"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, func() bool { return unsubs.Load() == 1 })
	if err := srv.Publish(ctx, "telemetry", "late"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-received:
		t.Fatalf("received %q after unsubscribe", got)
	case <-time.After(100 * time.Millisecond):
	}

	if err := client.Subscribe(ctx, "nope", func(wire.RawMessage) {}); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Subscribe to unknown channel = %v", err)
	}
}

func TestDisconnectFiresUnsubscribeOnce(t *testing.T) {
	testlog.Start(t)
	var unsubs atomic.Int64
	pubsub := &PubSub{
		Channels:      []string{"telemetry"},
		OnUnsubscribe: func(string) { unsubs.Add(1) },
	}
	srv, err := NewServer(&Object{Name: "root"}, pubsub)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	client := dialServer(t, srv)

	err = client.Subscribe(context.Background(), "telemetry", func(wire.RawMessage) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Give the server a moment to register the subscription before
	// yanking the connection out from under it.
	waitFor(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.subscribers["telemetry"]) == 1
	})

	client.Close()
	waitFor(t, func() bool { return unsubs.Load() == 1 })

	// And never again.
	time.Sleep(50 * time.Millisecond)
	if got := unsubs.Load(); got != 1 {
		t.Fatalf("unsubscribe hook fired %d times, want 1", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
