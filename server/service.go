package server

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"cluster-rpc/message"
)

// methodType describes one callable: an optional leading context.Context,
// any number of JSON-decodable arguments, and one of (), (R), (error) or
// (R, error) as results.
type methodType struct {
	name      string
	fn        reflect.Value
	withCtx   bool
	ArgTypes  []reflect.Type
	ReplyType reflect.Type // nil when the method returns no value
	withErr   bool
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func newMethodType(name string, fn reflect.Value) (*methodType, error) {
	ft := fn.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("rpc: %s is not a function", name)
	}
	if ft.IsVariadic() {
		return nil, fmt.Errorf("rpc: %s is variadic", name)
	}

	m := &methodType{name: name, fn: fn}
	in := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		m.withCtx = true
		in = 1
	}
	for ; in < ft.NumIn(); in++ {
		m.ArgTypes = append(m.ArgTypes, ft.In(in))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.withErr = true
		} else {
			m.ReplyType = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("rpc: %s: second result must be error, got %s", name, ft.Out(1))
		}
		m.ReplyType = ft.Out(0)
		m.withErr = true
	default:
		return nil, fmt.Errorf("rpc: %s returns %d values", name, ft.NumOut())
	}
	return m, nil
}

// call decodes req's arguments into the parameter types and invokes the method.
func (m *methodType) call(ctx context.Context, req *message.Request) (any, error) {
	if req.NumArgs() != len(m.ArgTypes) {
		return nil, fmt.Errorf("rpc: %s expects %d arguments, got %d", m.name, len(m.ArgTypes), req.NumArgs())
	}

	args := make([]reflect.Value, 0, len(m.ArgTypes)+1)
	if m.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, t := range m.ArgTypes {
		argv := reflect.New(t)
		if err := req.Arg(i, argv.Interface()); err != nil {
			return nil, fmt.Errorf("rpc: %s: %w", m.name, err)
		}
		args = append(args, argv.Elem())
	}

	results := m.fn.Call(args)

	var err error
	if m.withErr {
		if e := results[len(results)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	if m.ReplyType == nil || err != nil {
		return nil, err
	}
	return results[0].Interface(), nil
}

// ServeRequest makes a single function usable as a Handler.
func (m *methodType) ServeRequest(ctx context.Context, req *message.Request) (any, error) {
	return m.call(ctx, req)
}

// Func wraps an arbitrary function as a Handler. Arguments are decoded from
// the request in order; see methodType for the accepted signatures.
func Func(fn any) (Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("rpc: nil function")
	}
	v := reflect.ValueOf(fn)
	return newMethodType(fmt.Sprintf("func(%s)", v.Type()), v)
}

// Service is the method set of a registered implementation.
type Service struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*methodType
}

// NewService scans rcvr for callable methods. When iface is a non-nil
// interface type, rcvr must implement it and only iface's methods are
// exposed; otherwise every exported method with an accepted signature is.
func NewService(rcvr any, iface reflect.Type) (*Service, error) {
	if rcvr == nil {
		return nil, fmt.Errorf("rpc: nil receiver")
	}
	typ := reflect.TypeOf(rcvr)
	val := reflect.ValueOf(rcvr)

	name := typ.Name()
	if typ.Kind() == reflect.Ptr {
		name = typ.Elem().Name()
	}
	svc := &Service{
		name:    name,
		rcvr:    val,
		typ:     typ,
		methods: make(map[string]*methodType),
	}

	if iface != nil {
		if iface.Kind() != reflect.Interface {
			return nil, fmt.Errorf("rpc: %s is not an interface type", iface)
		}
		if !typ.Implements(iface) {
			return nil, fmt.Errorf("rpc: %s does not implement %s", typ, iface)
		}
		svc.name = iface.Name()
		for i := 0; i < iface.NumMethod(); i++ {
			im := iface.Method(i)
			m, err := newMethodType(im.Name, val.MethodByName(im.Name))
			if err != nil {
				return nil, err
			}
			svc.methods[im.Name] = m
		}
	} else {
		for i := 0; i < typ.NumMethod(); i++ {
			method := typ.Method(i)
			m, err := newMethodType(method.Name, val.Method(i))
			if err != nil {
				// not an RPC-shaped method: skip
				continue
			}
			svc.methods[method.Name] = m
		}
	}

	if len(svc.methods) == 0 {
		return nil, fmt.Errorf("rpc: %s has no callable methods", typ)
	}
	return svc, nil
}

func (s *Service) Name() string {
	return s.name
}

// Methods returns the exposed method names in sorted order.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the Handler serving method, bound to the receiver.
func (s *Service) Handler(method string) (Handler, bool) {
	m, ok := s.methods[method]
	if !ok {
		return nil, false
	}
	return m, true
}

// Call invokes method with the arguments carried by req.
func (s *Service) Call(ctx context.Context, method string, req *message.Request) (any, error) {
	m, ok := s.methods[method]
	if !ok {
		return nil, fmt.Errorf("rpc: %s has no method %q", s.name, method)
	}
	return m.call(ctx, req)
}
