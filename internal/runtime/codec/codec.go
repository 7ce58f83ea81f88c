// Package codec converts typed messages to and from their wire bytes.
package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Codec serializes messages of type T.
type Codec[T any] interface {
	ContentType() string
	Marshal(msg T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

type jsonCodec[T any] struct{}

// JSON encodes T with encoding/json semantics.
func JSON[T any]() Codec[T] {
	return jsonCodec[T]{}
}

func (jsonCodec[T]) ContentType() string { return ContentTypeJSON }

func (jsonCodec[T]) Marshal(msg T) ([]byte, error) {
	return jsoncodec.Marshal(msg)
}

func (jsonCodec[T]) Unmarshal(data []byte) (T, error) {
	var msg T
	if err := jsoncodec.Unmarshal(data, &msg); err != nil {
		var zero T
		return zero, fmt.Errorf("decode json %T: %w", msg, err)
	}
	return msg, nil
}

type protoCodec[T proto.Message] struct {
	json      bool
	prototype T
}

// Proto encodes T with the binary protobuf wire format.
func Proto[T proto.Message]() (Codec[T], error) {
	prototype, err := NewProtoMessage[T]()
	if err != nil {
		return nil, err
	}
	return protoCodec[T]{prototype: prototype}, nil
}

// ProtoJSON encodes T with the canonical protobuf JSON mapping.
func ProtoJSON[T proto.Message]() (Codec[T], error) {
	prototype, err := NewProtoMessage[T]()
	if err != nil {
		return nil, err
	}
	return protoCodec[T]{json: true, prototype: prototype}, nil
}

func (c protoCodec[T]) ContentType() string {
	if c.json {
		return ContentTypeJSON
	}
	return ContentTypeProtobuf
}

func (c protoCodec[T]) Marshal(msg T) ([]byte, error) {
	if isNilProto(msg) {
		return nil, errspkg.ErrMessageRequired
	}
	if c.json {
		return protojson.Marshal(msg)
	}
	return proto.Marshal(msg)
}

func (c protoCodec[T]) Unmarshal(data []byte) (T, error) {
	msg, err := clonePrototype(c.prototype)
	if err != nil {
		return msg, err
	}
	if c.json {
		err = protojson.Unmarshal(data, msg)
	} else {
		err = proto.Unmarshal(data, msg)
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decode %T: %w", msg, err)
	}
	return msg, nil
}

type funcCodec[T any] struct {
	contentType string
	marshal     func(T) ([]byte, error)
	unmarshal   func([]byte) (T, error)
}

// Func builds a Codec from plain functions.
func Func[T any](contentType string, marshal func(T) ([]byte, error), unmarshal func([]byte) (T, error)) Codec[T] {
	return funcCodec[T]{contentType: contentType, marshal: marshal, unmarshal: unmarshal}
}

func (c funcCodec[T]) ContentType() string              { return c.contentType }
func (c funcCodec[T]) Marshal(msg T) ([]byte, error)    { return c.marshal(msg) }
func (c funcCodec[T]) Unmarshal(data []byte) (T, error) { return c.unmarshal(data) }

// NewProtoMessage instantiates a zero-value protobuf message for T.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerRequired
	}
	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

// MustProtoMessage is NewProtoMessage for types known to be valid.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)
	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

func isNilProto[T proto.Message](msg T) bool {
	m := proto.Message(msg)
	if m == nil {
		return true
	}
	val := reflect.ValueOf(m)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
