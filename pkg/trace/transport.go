package trace

import (
	"bufio"
	"io"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/OriD-19/trazor_rt/pkg/clock"
)

// DefaultBufferSize keeps batched writes within the atomic pipe write limit.
const DefaultBufferSize = 4096

var (
	// ErrReentrant is returned by Emit and TryFlush while the stream is in use.
	ErrReentrant = errors.New("trace transport busy")
	// ErrStreamDead is returned once the controller stream has failed.
	ErrStreamDead = errors.New("trace stream is gone")
)

// Opener opens the controller stream. It is called lazily on the first record.
type Opener func() (io.WriteCloser, error)

// FDOpener duplicates the inherited controller descriptor fd.
func FDOpener(fd int) Opener {
	return func() (io.WriteCloser, error) {
		nfd, err := unix.Dup(fd)
		if err != nil {
			return nil, errors.Wrapf(err, "duplicating controller fd %d", fd)
		}
		return os.NewFile(uintptr(nfd), "trazor-controller"), nil
	}
}

// Transport writes records to the controller. Emit and TryFlush drop when the
// stream is in use; EmitWait, Flush and Close wait for it. A failed stream
// stays failed for the rest of the run.
type Transport struct {
	open    Opener
	bufSize int
	log     *zap.Logger

	busy atomic.Bool
	dead atomic.Bool

	// owned by whoever holds busy
	w   io.WriteCloser
	bw  *bufio.Writer
	buf []byte

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Transport.
type Option func(*Transport)

// WithBufferSize sets the batching buffer size.
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufSize = n
		}
	}
}

// WithLogger sets the logger used to report the stream failure.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// NewTransport returns a Transport that opens its stream with open.
func NewTransport(open Opener, opts ...Option) *Transport {
	t := &Transport{
		open:    open,
		bufSize: DefaultBufferSize,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Emit serializes one record and hands it to the stream. With flush set the
// stream is flushed before returning. A call made while the stream is in use
// is dropped with ErrReentrant; the reporting path uses it.
func (t *Transport) Emit(sid StreamID, typ Type, payload []byte, flush bool, wall, process clock.Reading) error {
	if !t.busy.CompareAndSwap(false, true) {
		t.dropped.Inc()
		return ErrReentrant
	}
	defer t.busy.Store(false)
	return t.emit(sid, typ, payload, flush, wall, process)
}

// EmitWait is Emit for records that must not be lost to contention: it waits
// for the stream instead of dropping. It must not be called while the caller
// itself holds the stream.
func (t *Transport) EmitWait(sid StreamID, typ Type, payload []byte, flush bool, wall, process clock.Reading) error {
	t.acquire()
	defer t.busy.Store(false)
	return t.emit(sid, typ, payload, flush, wall, process)
}

// acquire takes the busy flag, yielding until its holder releases it.
func (t *Transport) acquire() {
	for !t.busy.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (t *Transport) emit(sid StreamID, typ Type, payload []byte, flush bool, wall, process clock.Reading) error {
	if t.dead.Load() {
		t.dropped.Inc()
		return ErrStreamDead
	}

	rec, err := AppendRecord(t.buf[:0], sid, typ, payload, wall, process)
	if err != nil {
		t.dropped.Inc()
		return err
	}
	t.buf = rec

	if err := t.write(rec, flush); err != nil {
		t.dropped.Inc()
		t.kill(err)
		return err
	}
	t.emitted.Inc()
	return nil
}

func (t *Transport) write(rec []byte, flush bool) error {
	if t.bw == nil {
		w, err := t.open()
		if err != nil {
			return errors.Wrap(err, "opening trace stream")
		}
		t.w = w
		t.bw = bufio.NewWriterSize(w, t.bufSize)
	}

	// a record is never split across two writes
	if len(rec) > t.bw.Available() && t.bw.Buffered() > 0 {
		if err := t.bw.Flush(); err != nil {
			return err
		}
	}
	n, err := t.bw.Write(rec)
	if err == nil && n < len(rec) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return err
	}
	if flush {
		return t.bw.Flush()
	}
	return nil
}

func (t *Transport) kill(err error) {
	if t.dead.CompareAndSwap(false, true) {
		t.log.Warn("unable to write trace record, disabling further data logging",
			zap.Error(err), zap.Int("pid", os.Getpid()))
	}
}

// Fresh returns a new Transport with the same opener and options and none of
// the state of t. A reinitialized child uses it instead of the inherited stream.
func (t *Transport) Fresh() *Transport {
	return &Transport{
		open:    t.open,
		bufSize: t.bufSize,
		log:     t.log,
	}
}

// Flush pushes batched records to the stream, waiting for it if in use.
func (t *Transport) Flush() error {
	t.acquire()
	defer t.busy.Store(false)
	return t.flush()
}

// TryFlush is Flush for the reporting path: it gives up with ErrReentrant
// when the stream is in use.
func (t *Transport) TryFlush() error {
	if !t.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer t.busy.Store(false)
	return t.flush()
}

func (t *Transport) flush() error {
	if t.dead.Load() {
		return ErrStreamDead
	}
	if t.bw == nil {
		return nil
	}
	if err := t.bw.Flush(); err != nil {
		t.kill(err)
		return err
	}
	return nil
}

// Close flushes and closes the stream. Records emitted afterwards reopen it.
func (t *Transport) Close() error {
	t.acquire()
	defer t.busy.Store(false)

	if t.bw == nil {
		return nil
	}
	var err error
	if !t.dead.Load() {
		err = t.bw.Flush()
	}
	err = multierr.Append(err, t.w.Close())
	t.w, t.bw = nil, nil
	return err
}

// Dead reports whether the stream has failed.
func (t *Transport) Dead() bool {
	return t.dead.Load()
}

// Emitted returns the number of records accepted by the stream.
func (t *Transport) Emitted() uint64 {
	return t.emitted.Load()
}

// Dropped returns the number of records discarded.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}
