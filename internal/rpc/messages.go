package rpc

import "github.com/roverlink/roverlink/internal/wire"

// Message type tags shared by both directions.
const (
	typeInvoke       = "invoke"
	typeInvokeResult = "invoke_result"
	typeSubscribe    = "subscribe"
	typeUnsubscribe  = "unsubscribe"
	typePublish      = "publish"
)

// helloIface and helloChannels are the two server greetings sent, in
// order, on every fresh connection.
type helloIface struct {
	Iface InterfaceDescriptor `cbor:"iface"`
}

type helloChannels struct {
	Channels []string `cbor:"channels"`
}

// clientMessage is anything the client sends after the greeting.
type clientMessage struct {
	Type    string          `cbor:"type"`
	ID      uint64          `cbor:"id,omitempty"`
	Path    string          `cbor:"path,omitempty"`
	Args    wire.RawMessage `cbor:"args,omitempty"`
	Channel string          `cbor:"channel,omitempty"`
}

// serverMessage is anything the server sends after the greeting:
// invoke results (exactly one of Val/Exception/Iface meaningful,
// discriminated by Iface presence then Exception) and publishes.
type serverMessage struct {
	Type      string               `cbor:"type"`
	ID        uint64               `cbor:"id,omitempty"`
	Val       wire.RawMessage      `cbor:"val,omitempty"`
	Exception string               `cbor:"exception,omitempty"`
	Iface     *InterfaceDescriptor `cbor:"iface,omitempty"`
	Channel   string               `cbor:"channel,omitempty"`
	Payload   wire.RawMessage      `cbor:"payload,omitempty"`
}
