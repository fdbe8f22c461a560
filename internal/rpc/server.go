package rpc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roverlink/roverlink/internal/observability"
	"github.com/roverlink/roverlink/internal/wire"
)

// publishTimeout bounds the fan-out wait for one publish; receivers
// slower than this are left to catch up on their own.
const publishTimeout = time.Second

// PubSub configures the channels a server offers. The hooks are
// invoked, outside any server lock, each time a connection newly
// subscribes to or leaves a channel; resource owners count these to
// decide when to power things up or schedule teardown.
type PubSub struct {
	Channels      []string
	OnSubscribe   func(channel string)
	OnUnsubscribe func(channel string)
}

func (p *PubSub) has(channel string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Server exposes one root object and an optional set of publish
// channels over websocket connections.
type Server struct {
	root   *Object
	pubsub *PubSub

	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[string]map[*serverConn]struct{}
}

// NewServer validates the root object's routing table once and
// returns a server ready to accept connections.
func NewServer(root *Object, pubsub *PubSub) (*Server, error) {
	if _, _, err := describe(root, root.Name); err != nil {
		return nil, err
	}
	return &Server{
		root:   root,
		pubsub: pubsub,
		upgrader: websocket.Upgrader{
			// The capability whitelist is not a security boundary and
			// neither is this: local clients connect from anywhere.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[string]map[*serverConn]struct{}),
	}, nil
}

// Handler returns the HTTP handler that upgrades to the RPC protocol.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		s.serveConn(r.Context(), ws)
	})
}

// serverConn is one client connection: its private routing table
// (grown by minting) and its write lock.
type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	routesMu sync.RWMutex
	routes   map[string]Handler
	cleanups []func()

	// subscribed tracks this connection's channels so disconnect can
	// fire each unsubscribe hook exactly once.
	subMu      sync.Mutex
	subscribed map[string]bool
}

func (c *serverConn) send(v any) error {
	buf, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, buf)
}

func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	// Every connection gets its own routing table: minted paths are
	// private to the connection that minted them.
	desc, routes, err := describe(s.root, s.root.Name)
	if err != nil {
		log.Error().Err(err).Msg("root object no longer describable")
		return
	}
	conn := &serverConn{
		ws:         ws,
		routes:     routes,
		subscribed: make(map[string]bool),
	}

	var channels []string
	if s.pubsub != nil {
		channels = s.pubsub.Channels
	}
	if err := conn.send(helloIface{Iface: desc}); err != nil {
		return
	}
	if err := conn.send(helloChannels{Channels: channels}); err != nil {
		return
	}
	log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("rpc client connected")

	for {
		_, buf, err := ws.ReadMessage()
		if err != nil {
			break // disconnect is normal termination
		}
		var msg clientMessage
		if err := wire.Unmarshal(buf, &msg); err != nil {
			log.Warn().Err(err).Msg("undecodable client message")
			continue
		}
		switch msg.Type {
		case typeInvoke:
			go s.dispatch(ctx, conn, msg)
		case typeSubscribe:
			s.subscribe(conn, msg.Channel)
		case typeUnsubscribe:
			s.unsubscribe(conn, msg.Channel)
		default:
			log.Warn().Str("type", msg.Type).Msg("unknown client message type")
		}
	}

	s.dropConnection(conn)
	log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("rpc client disconnected")
}

// dispatch runs one invoke on its own goroutine. Handler errors and
// panics become exception results tagged with the invoke's id; they
// never touch other invokes or the connection itself.
func (s *Server) dispatch(ctx context.Context, conn *serverConn, msg clientMessage) {
	start := time.Now()
	result := serverMessage{Type: typeInvokeResult, ID: msg.ID}

	conn.routesMu.RLock()
	handler, ok := conn.routes[msg.Path]
	conn.routesMu.RUnlock()

	switch {
	case !ok:
		result.Exception = fmt.Sprintf("unknown path %q", msg.Path)
	default:
		res, err := s.invoke(ctx, handler, msg)
		switch {
		case err != nil:
			result.Exception = err.Error()
		case res.Minted != nil:
			iface, err := s.mint(conn, msg.Path, res.Minted)
			if err != nil {
				result.Exception = err.Error()
			} else {
				result.Iface = &iface
			}
		default:
			val, err := wire.Marshal(res.Val)
			if err != nil {
				result.Exception = fmt.Sprintf("unencodable result: %v", err)
			} else {
				result.Val = val
			}
		}
	}

	observability.RecordRPCInvoke(result.Exception == "", time.Since(start))
	if err := conn.send(result); err != nil {
		log.Debug().Err(err).Uint64("id", msg.ID).Msg("invoke result dropped: connection gone")
	}
}

// invoke decodes the argument list and runs the handler, converting a
// panic into an error so one bad handler cannot take the server down.
func (s *Server) invoke(ctx context.Context, handler Handler, msg clientMessage) (result Result, err error) {
	var args []any
	if len(msg.Args) > 0 {
		if err := wire.Unmarshal(msg.Args, &args); err != nil {
			return Result{}, fmt.Errorf("undecodable args: %w", err)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %q: %v", msg.Path, r)
		}
	}()
	return handler(ctx, args)
}

// mint exposes obj under the invoking path plus a fresh unique suffix
// and merges its routes into the connection's live table.
func (s *Server) mint(conn *serverConn, basePath string, obj *Object) (InterfaceDescriptor, error) {
	path := basePath + "." + uuid.NewString()
	desc, routes, err := describe(obj, path)
	if err != nil {
		return InterfaceDescriptor{}, err
	}
	conn.routesMu.Lock()
	for p, h := range routes {
		conn.routes[p] = h
	}
	if obj.Cleanup != nil {
		conn.cleanups = append(conn.cleanups, obj.Cleanup)
	}
	conn.routesMu.Unlock()
	log.Debug().Str("path", path).Str("type", obj.TypeName).Msg("minted sub-interface")
	return desc, nil
}

func (s *Server) subscribe(conn *serverConn, channel string) {
	if !s.pubsub.has(channel) {
		log.Warn().Str("channel", channel).Msg("subscribe to unknown channel")
		return
	}
	conn.subMu.Lock()
	already := conn.subscribed[channel]
	conn.subscribed[channel] = true
	conn.subMu.Unlock()
	if already {
		return
	}

	s.mu.Lock()
	set, ok := s.subscribers[channel]
	if !ok {
		set = make(map[*serverConn]struct{})
		s.subscribers[channel] = set
	}
	set[conn] = struct{}{}
	s.mu.Unlock()

	if s.pubsub.OnSubscribe != nil {
		s.pubsub.OnSubscribe(channel)
	}
}

func (s *Server) unsubscribe(conn *serverConn, channel string) {
	if !s.pubsub.has(channel) {
		return
	}
	conn.subMu.Lock()
	was := conn.subscribed[channel]
	delete(conn.subscribed, channel)
	conn.subMu.Unlock()
	if !was {
		return
	}

	s.mu.Lock()
	if set, ok := s.subscribers[channel]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(s.subscribers, channel)
		}
	}
	s.mu.Unlock()

	if s.pubsub.OnUnsubscribe != nil {
		s.pubsub.OnUnsubscribe(channel)
	}
}

// dropConnection removes a closed connection from every channel it
// was subscribed to, firing each unsubscribe hook exactly once, then
// runs the cleanups of all objects minted for this connection.
func (s *Server) dropConnection(conn *serverConn) {
	conn.subMu.Lock()
	channels := make([]string, 0, len(conn.subscribed))
	for channel := range conn.subscribed {
		channels = append(channels, channel)
	}
	conn.subMu.Unlock()

	for _, channel := range channels {
		s.unsubscribe(conn, channel)
	}

	conn.routesMu.Lock()
	cleanups := conn.cleanups
	conn.cleanups = nil
	conn.routesMu.Unlock()
	for _, cleanup := range cleanups {
		cleanup()
	}
}

// Publish fans payload out to every current subscriber of channel,
// concurrently, waiting at most publishTimeout for slow receivers.
func (s *Server) Publish(ctx context.Context, channel string, payload any) error {
	buf, err := wire.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpc: unencodable publish payload: %w", err)
	}
	msg := serverMessage{Type: typePublish, Channel: channel, Payload: buf}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.subscribers[channel]))
	for conn := range s.subscribers[channel] {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	observability.RecordPublish(channel, len(conns))
	if len(conns) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *serverConn) {
			defer wg.Done()
			if err := conn.send(msg); err != nil {
				log.Debug().Err(err).Str("channel", channel).Msg("publish dropped: connection gone")
			}
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(publishTimeout):
		log.Warn().Str("channel", channel).Msg("publish fan-out timed out on slow receivers")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
