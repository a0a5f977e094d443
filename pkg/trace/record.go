// Package trace encodes measurement records into the byte stream read by the
// controller, and decodes them on the controller side.
package trace

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// StreamID identifies a logical trace stream. It occupies one machine word on the wire.
type StreamID uint64

// Type tags the payload of a record.
type Type int16

const (
	// TypeSample carries one metric value.
	TypeSample Type = 1
	// TypeFork announces a child process.
	TypeFork Type = 2
	// TypeExit carries the end-of-run cost summary.
	TypeExit Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeSample:
		return "sample"
	case TypeFork:
		return "fork"
	case TypeExit:
		return "exit"
	default:
		return fmt.Sprintf("Type(%d)", int16(t))
	}
}

// Sample is the payload of a TypeSample record.
type Sample struct {
	ID    uint32
	_     [4]byte
	Value float64
}

// Fork is the payload of a TypeFork record.
type Fork struct {
	PPID   int32
	PID    int32
	NPIDs  int32
	Stride int32
}

// CostSummary is the payload of a TypeExit record.
type CostSummary struct {
	Alarms          int32
	NumReported     int32
	InstCycles      int64
	InstTime        float64
	HandlerCost     float64
	TotalCPUTime    float64
	TotalWallTime   float64
	SamplesReported int32
	SamplingRate    float32
	UserTicks       int32
	InstTicks       int32
}

// Payload is implemented by the fixed-layout record bodies.
type Payload interface {
	Sample | Fork | CostSummary
}

// TypeOf returns the record type carrying p.
func TypeOf[P Payload](p P) Type {
	switch any(p).(type) {
	case Sample:
		return TypeSample
	case Fork:
		return TypeFork
	default:
		return TypeExit
	}
}

// Marshal encodes p in native byte order.
func Marshal[P Payload](p P) []byte {
	var buf bytes.Buffer
	buf.Grow(binary.Size(p))
	// writes into a bytes.Buffer of a fixed-size struct cannot fail
	_ = binary.Write(&buf, binary.NativeEndian, p)
	return buf.Bytes()
}

// Unmarshal decodes a payload, ignoring trailing alignment padding.
func Unmarshal[P Payload](data []byte) (P, error) {
	var p P
	if len(data) < binary.Size(p) {
		return p, errors.Errorf("payload is %d bytes, need %d for %T", len(data), binary.Size(p), p)
	}
	err := binary.Read(bytes.NewReader(data), binary.NativeEndian, &p)
	return p, errors.Wrapf(err, "decoding %T", p)
}
