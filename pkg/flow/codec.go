package flow

import (
	"encoding/json"
	"fmt"
	"slices"

	"google.golang.org/protobuf/proto"
)

// Codec turns messages into frames and back.
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

// BytesCodec exchanges frames as they are.
type BytesCodec struct {
	copyBuffers bool
}

func NewBytesCodec(copyBuffers bool) BytesCodec {
	return BytesCodec{copyBuffers: copyBuffers}
}

func (c BytesCodec) Marshal(msg []byte) ([]byte, error) {
	if c.copyBuffers {
		return slices.Clone(msg), nil
	}
	return msg, nil
}

func (BytesCodec) Unmarshal(frame []byte) ([]byte, error) {
	return frame, nil
}

// JSONCodec exchanges JSON documents.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(msg T) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec[T]) Unmarshal(frame []byte) (T, error) {
	var msg T
	err := json.Unmarshal(frame, &msg)
	return msg, err
}

// ProtoCodec exchanges protobuf messages of type T, a pointer to a
// generated message.
type ProtoCodec[T proto.Message] struct{}

func (ProtoCodec[T]) Marshal(msg T) ([]byte, error) {
	return proto.Marshal(msg)
}

func (ProtoCodec[T]) Unmarshal(frame []byte) (T, error) {
	var zero T
	msg, ok := zero.ProtoReflect().New().Interface().(T)
	if !ok {
		panic(fmt.Sprintf("protobuf allocated %T instead of %T", msg, zero))
	}
	return msg, proto.Unmarshal(frame, msg)
}
