package clock

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Word indexes of an accounting region.
const (
	UserSecWord = iota
	UserUsecWord
	SysSecWord
	SysUsecWord

	regionWords = 4
	// RegionSize is the byte size of a mapped accounting region.
	RegionSize = regionWords * 4
)

// Region is a shared accounting area updated asynchronously by a writer that
// does not cooperate with readers. Each word is read individually.
type Region interface {
	UserSec() uint32
	UserUsec() uint32
	SysSec() uint32
	SysUsec() uint32
}

// WordRegion is an in-memory Region. Writers update words one at a time, so
// readers can observe any interleaving of a multi-word update.
type WordRegion struct {
	words [regionWords]uatomic.Uint32
}

// UserSec implements Region.
func (w *WordRegion) UserSec() uint32 { return w.words[UserSecWord].Load() }

// UserUsec implements Region.
func (w *WordRegion) UserUsec() uint32 { return w.words[UserUsecWord].Load() }

// SysSec implements Region.
func (w *WordRegion) SysSec() uint32 { return w.words[SysSecWord].Load() }

// SysUsec implements Region.
func (w *WordRegion) SysUsec() uint32 { return w.words[SysUsecWord].Load() }

// Store writes a single word.
func (w *WordRegion) Store(word int, v uint32) {
	w.words[word].Store(v)
}

// Set writes all four words, microsecond words first.
func (w *WordRegion) Set(userSec, userUsec, sysSec, sysUsec uint32) {
	w.Store(UserUsecWord, userUsec)
	w.Store(SysUsecWord, sysUsec)
	w.Store(UserSecWord, userSec)
	w.Store(SysSecWord, sysSec)
}

// SetReading splits r into user seconds and microseconds, with zero system time.
func (w *WordRegion) SetReading(r Reading) {
	w.Set(uint32(r/MicrosPerSecond), uint32(r%MicrosPerSecond), 0, 0)
}

// MappedRegion is a read-only shared mapping of an accounting file made of four
// native-endian uint32 words.
type MappedRegion struct {
	data []byte
}

// OpenMappedRegion maps the accounting file at path.
func OpenMappedRegion(path string) (*MappedRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening accounting region")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat accounting region")
	}
	if fi.Size() < RegionSize {
		return nil, errors.Errorf("accounting region %s is %d bytes, need %d", path, fi.Size(), RegionSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, RegionSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mapping accounting region")
	}
	return &MappedRegion{data: data}, nil
}

// word loads one 32-bit word atomically from the mapping.
func (m *MappedRegion) word(i int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.data[i*4])))
}

// UserSec implements Region.
func (m *MappedRegion) UserSec() uint32 { return m.word(UserSecWord) }

// UserUsec implements Region.
func (m *MappedRegion) UserUsec() uint32 { return m.word(UserUsecWord) }

// SysSec implements Region.
func (m *MappedRegion) SysSec() uint32 { return m.word(SysSecWord) }

// SysUsec implements Region.
func (m *MappedRegion) SysUsec() uint32 { return m.word(SysUsecWord) }

// Close unmaps the region.
func (m *MappedRegion) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
