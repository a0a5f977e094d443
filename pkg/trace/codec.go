package trace

import (
	"encoding/binary"
	"io"
	"math"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/OriD-19/trazor_rt/pkg/clock"
)

// WordSize is the platform word (and pointer) size in bytes.
const WordSize = bits.UintSize / 8

const (
	// HeaderSize is the unpadded size of Header on the wire.
	HeaderSize = 8 + 8 + 2 + 2
	// PayloadOffset is where the payload starts inside a record.
	PayloadOffset = (WordSize + HeaderSize + WordSize - 1) / WordSize * WordSize
	// MaxPayload is the largest aligned payload the length field can hold.
	MaxPayload = math.MaxInt16 / WordSize * WordSize
)

// ErrPayloadTooLarge is returned when a payload does not fit the length field.
var ErrPayloadTooLarge = errors.New("trace payload too large")

// Header precedes every payload.
type Header struct {
	Wall    clock.Reading
	Process clock.Reading
	Type    Type
	Length  int16
}

// Record is one decoded trace record. Payload keeps its alignment padding.
type Record struct {
	Stream StreamID
	Header
	Payload []byte
}

// Align rounds n up to the word size.
func Align(n int) int {
	return (n + WordSize - 1) / WordSize * WordSize
}

// AppendRecord serializes one record onto dst: stream id, header, padding to
// the word size, then the payload padded to the word size.
func AppendRecord(dst []byte, sid StreamID, typ Type, payload []byte, wall, process clock.Reading) ([]byte, error) {
	length := Align(len(payload))
	if length > MaxPayload {
		return dst, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}

	base := len(dst)
	dst = append(dst, make([]byte, PayloadOffset+length)...)
	rec := dst[base:]

	if WordSize == 8 {
		binary.NativeEndian.PutUint64(rec, uint64(sid))
	} else {
		binary.NativeEndian.PutUint32(rec, uint32(sid))
	}
	h := rec[WordSize:]
	binary.NativeEndian.PutUint64(h[0:], uint64(wall))
	binary.NativeEndian.PutUint64(h[8:], uint64(process))
	binary.NativeEndian.PutUint16(h[16:], uint16(typ))
	binary.NativeEndian.PutUint16(h[18:], uint16(length))

	copy(rec[PayloadOffset:], payload)
	return dst, nil
}

// Decoder reads records from a controller-side stream.
type Decoder struct {
	r   io.Reader
	buf [PayloadOffset]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads one record. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream stops inside a record.
func (d *Decoder) Next() (*Record, error) {
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		return nil, err
	}

	rec := &Record{}
	if WordSize == 8 {
		rec.Stream = StreamID(binary.NativeEndian.Uint64(d.buf[:]))
	} else {
		rec.Stream = StreamID(binary.NativeEndian.Uint32(d.buf[:]))
	}
	h := d.buf[WordSize:]
	rec.Wall = clock.Reading(binary.NativeEndian.Uint64(h[0:]))
	rec.Process = clock.Reading(binary.NativeEndian.Uint64(h[8:]))
	rec.Type = Type(binary.NativeEndian.Uint16(h[16:]))
	rec.Length = int16(binary.NativeEndian.Uint16(h[18:]))
	if rec.Length < 0 || int(rec.Length)%WordSize != 0 {
		return nil, errors.Errorf("corrupt trace header: length %d", rec.Length)
	}

	rec.Payload = make([]byte, rec.Length)
	if _, err := io.ReadFull(d.r, rec.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "reading %s payload", rec.Type)
	}
	return rec, nil
}

// Sample decodes the payload of a TypeSample record.
func (r *Record) Sample() (Sample, error) {
	if r.Type != TypeSample {
		return Sample{}, errors.Errorf("record is %s, not sample", r.Type)
	}
	return Unmarshal[Sample](r.Payload)
}

// Fork decodes the payload of a TypeFork record.
func (r *Record) Fork() (Fork, error) {
	if r.Type != TypeFork {
		return Fork{}, errors.Errorf("record is %s, not fork", r.Type)
	}
	return Unmarshal[Fork](r.Payload)
}

// CostSummary decodes the payload of a TypeExit record.
func (r *Record) CostSummary() (CostSummary, error) {
	if r.Type != TypeExit {
		return CostSummary{}, errors.Errorf("record is %s, not exit", r.Type)
	}
	return Unmarshal[CostSummary](r.Payload)
}
