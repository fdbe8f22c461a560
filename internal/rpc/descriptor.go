// Package rpc serves object graphs to remote peers over a websocket
// connection: the callable surface of an exposed object is serialized
// as an interface descriptor at connect time, invocations route back
// to explicit handler tables, and a call may mint a brand-new remote
// object mid-flight (how capability acquisition hands back a live
// handle). A channel-based publish/subscribe facility rides the same
// connection.
//
// Exposed surfaces are explicit method tables, not reflection: every
// exported method is spelled out in an Object, so what is remotely
// callable is visible at the declaration.
package rpc

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicatePath reports two methods or children serializing to the
// same routing path.
var ErrDuplicatePath = errors.New("rpc: duplicate routing path")

// Handler executes one invocation with the decoded argument list.
type Handler func(ctx context.Context, args []any) (Result, error)

// Result is a handler's outcome: a plain value, or a minted object
// that the server should serialize and hand back as a live remote
// handle.
type Result struct {
	Val    any
	Minted *Object
}

// Value wraps a plain return value.
func Value(v any) Result { return Result{Val: v} }

// Mint marks obj to be exposed under a fresh path and returned to the
// caller as a new remote interface.
func Mint(obj *Object) Result { return Result{Minted: obj} }

// Method is one remotely callable operation.
type Method struct {
	Name     string
	Doc      string
	Args     []string
	Defaults []any
	Handler  Handler
}

// Object is the explicit exposed surface of one server-side object.
// Cleanup, when set on a minted object, runs after the owning
// connection goes away; objects holding acquired resources use it to
// release them when the client never did.
type Object struct {
	Name     string
	TypeName string
	Doc      string
	Methods  []Method
	Children []*Object
	Cleanup  func()
}

// MethodDescriptor is the wire shape of one method.
type MethodDescriptor struct {
	Name     string   `cbor:"name"`
	Args     []string `cbor:"args,omitempty"`
	Defaults []any    `cbor:"defaults,omitempty"`
	Doc      string   `cbor:"doc,omitempty"`
	Path     string   `cbor:"path"`
}

// InterfaceDescriptor is the wire shape of an exposed object: enough
// for the peer to build a callable proxy without knowing the types.
type InterfaceDescriptor struct {
	Name     string                `cbor:"name"`
	TypeName string                `cbor:"typename,omitempty"`
	Doc      string                `cbor:"doc,omitempty"`
	Path     string                `cbor:"path"`
	Methods  []MethodDescriptor    `cbor:"methods,omitempty"`
	Ifaces   []InterfaceDescriptor `cbor:"ifaces,omitempty"`
}

// describe serializes obj rooted at path and returns the descriptor
// plus the path→handler routing table for this subtree. The object's
// own Name stays the short display name; Path carries the full route.
func describe(obj *Object, path string) (InterfaceDescriptor, map[string]Handler, error) {
	desc := InterfaceDescriptor{
		Name:     obj.Name,
		TypeName: obj.TypeName,
		Doc:      obj.Doc,
		Path:     path,
	}
	routes := make(map[string]Handler)

	for _, m := range obj.Methods {
		mpath := path + "." + m.Name
		if _, ok := routes[mpath]; ok {
			return InterfaceDescriptor{}, nil, fmt.Errorf("%w: %s", ErrDuplicatePath, mpath)
		}
		routes[mpath] = m.Handler
		desc.Methods = append(desc.Methods, MethodDescriptor{
			Name:     m.Name,
			Args:     m.Args,
			Defaults: m.Defaults,
			Doc:      m.Doc,
			Path:     mpath,
		})
	}
	for _, child := range obj.Children {
		childDesc, childRoutes, err := describe(child, path+"."+child.Name)
		if err != nil {
			return InterfaceDescriptor{}, nil, err
		}
		for path, h := range childRoutes {
			if _, ok := routes[path]; ok {
				return InterfaceDescriptor{}, nil, fmt.Errorf("%w: %s", ErrDuplicatePath, path)
			}
			routes[path] = h
		}
		desc.Ifaces = append(desc.Ifaces, childDesc)
	}
	return desc, routes, nil
}
