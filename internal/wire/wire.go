// Package wire is the CBOR codec shared by the RPC transport. Every
// value crossing a connection (invoke requests, results, published
// events) goes through Marshal/Unmarshal here so both ends agree on
// one encoding configuration.
package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: sorted map keys, smallest integer
	// widths, no indefinite-length items. The same message always
	// serializes to the same bytes, which keeps logs and tests sane.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: cbor encoder init: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Invoke arguments decode into any-typed slots. CBOR's default
		// map type for those is map[interface{}]interface{}; force
		// map[string]any so handlers can index by field name.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: cbor decoder init: " + err.Error())
	}
}

// Marshal encodes v with the shared deterministic configuration.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage delays decoding of a CBOR value. Invoke results carry
// one so the envelope can be routed before the payload is typed.
type RawMessage = cbor.RawMessage
