package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roverlink/roverlink/internal/wire"
)

var (
	// ErrRemote reports that the server-side handler failed; the
	// wrapped text is the remote exception.
	ErrRemote = errors.New("rpc: remote invocation failed")

	// ErrUnknownMethod reports a Call on a method the proxy's
	// descriptor does not list.
	ErrUnknownMethod = errors.New("rpc: unknown method")

	// ErrUnknownChannel reports a Subscribe to a channel the server
	// did not announce.
	ErrUnknownChannel = errors.New("rpc: unknown channel")

	// ErrConnClosed reports use of a client after the connection ended.
	ErrConnClosed = errors.New("rpc: connection closed")
)

// Client is one connection to an RPC server. Calls may be issued from
// any goroutine; results are matched to callers by invoke id, never by
// arrival order.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]chan serverMessage
	callbacks map[string]func(payload wire.RawMessage)
	closed    bool

	root     *Proxy
	channels []string
	done     chan struct{}
}

// Dial connects to url (ws://...), reads the greeting, and returns a
// client whose Root proxy mirrors the server's root object.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", url, err)
	}

	var hello helloIface
	if err := readInto(ws, &hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("rpc: greeting (iface): %w", err)
	}
	var chans helloChannels
	if err := readInto(ws, &chans); err != nil {
		ws.Close()
		return nil, fmt.Errorf("rpc: greeting (channels): %w", err)
	}

	c := &Client{
		ws:        ws,
		pending:   make(map[uint64]chan serverMessage),
		callbacks: make(map[string]func(wire.RawMessage)),
		channels:  chans.Channels,
		done:      make(chan struct{}),
	}
	c.root = c.buildProxy(hello.Iface)
	go c.readLoop()
	return c, nil
}

func readInto(ws *websocket.Conn, v any) error {
	_, buf, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	return wire.Unmarshal(buf, v)
}

// Root returns the proxy for the server's root object.
func (c *Client) Root() *Proxy { return c.root }

// Channels returns the publish channels the server announced.
func (c *Client) Channels() []string { return c.channels }

// Close tears down the connection. Outstanding calls fail with
// ErrConnClosed.
func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) readLoop() {
	for {
		var msg serverMessage
		if err := readInto(c.ws, &msg); err != nil {
			break
		}
		switch msg.Type {
		case typeInvokeResult:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case typePublish:
			c.mu.Lock()
			fn := c.callbacks[msg.Channel]
			c.mu.Unlock()
			if fn != nil {
				fn(msg.Payload)
			}
		}
	}

	// Fail every waiter on disconnect.
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan serverMessage)
	c.mu.Unlock()
	close(c.done)
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) send(v any) error {
	buf, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, buf)
}

// call performs one invoke and waits for its matching result.
func (c *Client) call(ctx context.Context, path string, args []any) (serverMessage, error) {
	argsBuf, err := wire.Marshal(args)
	if err != nil {
		return serverMessage{}, fmt.Errorf("rpc: unencodable args: %w", err)
	}

	ch := make(chan serverMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return serverMessage{}, ErrConnClosed
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = ch
	c.mu.Unlock()

	err = c.send(clientMessage{Type: typeInvoke, ID: id, Path: path, Args: argsBuf})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return serverMessage{}, fmt.Errorf("rpc: send invoke: %w", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return serverMessage{}, ErrConnClosed
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return serverMessage{}, ctx.Err()
	case <-c.done:
		return serverMessage{}, ErrConnClosed
	}
}

// Subscribe registers fn for channel publishes and tells the server.
// One callback per channel per client; subscribing again replaces it.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(payload wire.RawMessage)) error {
	if !c.hasChannel(channel) {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	c.mu.Lock()
	_, already := c.callbacks[channel]
	c.callbacks[channel] = fn
	c.mu.Unlock()
	if already {
		return nil
	}
	return c.send(clientMessage{Type: typeSubscribe, Channel: channel})
}

// Unsubscribe stops deliveries for channel and tells the server.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	_, was := c.callbacks[channel]
	delete(c.callbacks, channel)
	c.mu.Unlock()
	if !was {
		return nil
	}
	return c.send(clientMessage{Type: typeUnsubscribe, Channel: channel})
}

func (c *Client) hasChannel(channel string) bool {
	for _, ch := range c.channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// Proxy is the client-side stand-in for one remote object. Method
// calls travel as invokes routed by the descriptor's paths; a call
// whose result is a minted interface returns a nested *Proxy.
type Proxy struct {
	client   *Client
	desc     InterfaceDescriptor
	methods  map[string]string // method name → path
	children map[string]*Proxy
}

func (c *Client) buildProxy(desc InterfaceDescriptor) *Proxy {
	p := &Proxy{
		client:   c,
		desc:     desc,
		methods:  make(map[string]string, len(desc.Methods)),
		children: make(map[string]*Proxy, len(desc.Ifaces)),
	}
	for _, m := range desc.Methods {
		p.methods[m.Name] = m.Path
	}
	for _, child := range desc.Ifaces {
		p.children[child.Name] = c.buildProxy(child)
	}
	return p
}

// Name returns the remote object's display name.
func (p *Proxy) Name() string { return p.desc.Name }

// Child returns the proxy for a nested interface.
func (p *Proxy) Child(name string) (*Proxy, bool) {
	child, ok := p.children[name]
	return child, ok
}

// Call invokes method with args. The result is the decoded value, or
// a *Proxy when the server minted a sub-interface, or ErrRemote
// wrapping the server-side exception.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	path, ok := p.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, p.desc.Path, method)
	}
	msg, err := p.client.call(ctx, path, args)
	if err != nil {
		return nil, err
	}
	switch {
	case msg.Iface != nil:
		return p.client.buildProxy(*msg.Iface), nil
	case msg.Exception != "":
		return nil, fmt.Errorf("%w: %s", ErrRemote, msg.Exception)
	case len(msg.Val) > 0:
		var val any
		if err := wire.Unmarshal(msg.Val, &val); err != nil {
			return nil, fmt.Errorf("rpc: undecodable result: %w", err)
		}
		return val, nil
	}
	return nil, nil
}
