package flashkv

import (
	"github.com/pkg/errors"
)

// erasedByte is what flash reads as after an erase. Programming can only
// clear bits; only a page erase brings them back.
const erasedByte = 0xFF

// MediumConfig describes the geometry and endurance of a flash medium.
type MediumConfig struct {
	// PageCount is the number of erase blocks.
	PageCount int
	// PageBytes is the size of one erase block.
	PageBytes int
	// WordBytes is the smallest independently programmable unit.
	WordBytes int
	// MaxEraseCycles is the rated endurance of a single page.
	MaxEraseCycles int
}

// TotalBytes returns the raw size of the medium.
func (c MediumConfig) TotalBytes() int { return c.PageCount * c.PageBytes }

// PageWords returns the number of words in one page.
func (c MediumConfig) PageWords() int { return c.PageBytes / c.WordBytes }

func (c MediumConfig) validate() error {
	if c.PageCount < 2 {
		return errors.New("medium config: need at least 2 pages")
	}
	if c.WordBytes <= 0 || c.PageBytes <= 0 || c.PageBytes%c.WordBytes != 0 {
		return errors.New("medium config: page size must be a multiple of word size")
	}
	if c.MaxEraseCycles <= 0 {
		return errors.New("medium config: erase cycle budget must be positive")
	}
	return nil
}

// Medium is the abstract contract the store requires from raw flash.
// Addressing is word-granular. All operations are synchronous and may be cut
// short by power loss at any point; the store is built to recover from that.
type Medium interface {
	Config() MediumConfig

	// Read returns n words starting at the given word offset.
	Read(word, n int) ([]byte, error)

	// Write programs len(data) bytes at the given word offset. data must be
	// word-granular. Bits may only move from the erased value toward zero;
	// attempting the reverse fails with ErrAlreadyProgrammed.
	Write(word int, data []byte) error

	// Erase resets a whole page to the erased value. Fails with
	// ErrEraseLimitExceeded once the page's rated endurance is consumed.
	Erase(page int) error

	// EraseCount reports how many erase cycles a page has consumed.
	EraseCount(page int) (int, error)
}

type interruptMode uint8

const (
	interruptNone interruptMode = iota
	// die at a clean word boundary: the fatal word is not programmed at all
	interruptClean
	// die inside the fatal word: a 2-byte prefix is programmed, the rest is
	// left as it was, modeling a torn word that must checksum-fail safely
	interruptTorn
)

// MemMedium simulates flash in memory. It enforces the program-toward-zero
// rule, bounds, and erase endurance, and can inject a power loss at an exact
// word boundary for crash testing.
type MemMedium struct {
	cfg    MediumConfig
	data   []byte
	erases []int

	mode      interruptMode
	wordsLeft int
	dead      bool
	programs  int64
}

var _ Medium = (*MemMedium)(nil)

// NewMemMedium creates a fully erased in-memory medium.
func NewMemMedium(cfg MediumConfig) (*MemMedium, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	data := make([]byte, cfg.TotalBytes())
	for i := range data {
		data[i] = erasedByte
	}
	return &MemMedium{cfg: cfg, data: data, erases: make([]int, cfg.PageCount)}, nil
}

func (m *MemMedium) Config() MediumConfig { return m.cfg }

func (m *MemMedium) Read(word, n int) ([]byte, error) {
	if m.dead {
		return nil, ErrInterrupted
	}
	start := word * m.cfg.WordBytes
	end := start + n*m.cfg.WordBytes
	if word < 0 || n < 0 || end > len(m.data) {
		return nil, errors.Wrapf(ErrWriteOutOfBounds, "read word %d+%d", word, n)
	}
	out := make([]byte, end-start)
	copy(out, m.data[start:end])
	return out, nil
}

func (m *MemMedium) Write(word int, data []byte) error {
	if m.dead {
		return ErrInterrupted
	}
	wb := m.cfg.WordBytes
	if len(data)%wb != 0 {
		return errors.Wrapf(ErrWriteOutOfBounds, "write of %d bytes not word granular", len(data))
	}
	start := word * wb
	if word < 0 || start+len(data) > len(m.data) {
		return errors.Wrapf(ErrWriteOutOfBounds, "write word %d len %d", word, len(data))
	}
	// Validate the whole write first so a rejected write has no effect.
	for i, b := range data {
		if b&^m.data[start+i] != 0 {
			return errors.Wrapf(ErrAlreadyProgrammed, "word %d byte %d", word+i/wb, i%wb)
		}
	}
	for w := 0; w < len(data)/wb; w++ {
		if m.mode != interruptNone {
			if m.wordsLeft == 0 {
				if m.mode == interruptTorn {
					copy(m.data[start+w*wb:], data[w*wb:w*wb+2])
				}
				m.dead = true
				return ErrInterrupted
			}
			m.wordsLeft--
		}
		copy(m.data[start+w*wb:], data[w*wb:(w+1)*wb])
		m.programs++
	}
	return nil
}

func (m *MemMedium) Erase(page int) error {
	if m.dead {
		return ErrInterrupted
	}
	if page < 0 || page >= m.cfg.PageCount {
		return errors.Wrapf(ErrWriteOutOfBounds, "erase page %d", page)
	}
	if m.erases[page] >= m.cfg.MaxEraseCycles {
		return errors.Wrapf(ErrEraseLimitExceeded, "page %d at %d cycles", page, m.erases[page])
	}
	// Wear is consumed even when the erase is cut short.
	m.erases[page]++
	wb := m.cfg.WordBytes
	start := page * m.cfg.PageBytes
	for w := 0; w < m.cfg.PageWords(); w++ {
		if m.mode != interruptNone {
			if m.wordsLeft == 0 {
				if m.mode == interruptTorn {
					for i := 0; i < 2; i++ {
						m.data[start+w*wb+i] = erasedByte
					}
				}
				m.dead = true
				return ErrInterrupted
			}
			m.wordsLeft--
		}
		for i := 0; i < wb; i++ {
			m.data[start+w*wb+i] = erasedByte
		}
		m.programs++
	}
	return nil
}

func (m *MemMedium) EraseCount(page int) (int, error) {
	if page < 0 || page >= m.cfg.PageCount {
		return 0, errors.Wrapf(ErrWriteOutOfBounds, "page %d", page)
	}
	return m.erases[page], nil
}

// InterruptAfterWords arms a simulated power loss: the medium dies before
// programming the n-th word from now, counting across writes and erases.
func (m *MemMedium) InterruptAfterWords(n int) {
	m.mode = interruptClean
	m.wordsLeft = n
}

// InterruptInWord is InterruptAfterWords with a torn final word: the dying
// word gets a partial byte prefix programmed before power is lost.
func (m *MemMedium) InterruptInWord(n int) {
	m.mode = interruptTorn
	m.wordsLeft = n
}

// Revive clears an injected power loss so the medium can be "rebooted".
func (m *MemMedium) Revive() {
	m.mode = interruptNone
	m.dead = false
}

// Programs returns the number of words programmed or erased so far. Crash
// sweeps use the delta over one operation as the interruption-point range.
func (m *MemMedium) Programs() int64 { return m.programs }

// Snapshot captures the full medium state for later Restore.
func (m *MemMedium) Snapshot() *MemMedium {
	cp := &MemMedium{cfg: m.cfg, data: append([]byte(nil), m.data...), erases: append([]int(nil), m.erases...)}
	return cp
}

// Restore rolls the medium content and wear counters back to a snapshot.
func (m *MemMedium) Restore(snap *MemMedium) {
	copy(m.data, snap.data)
	copy(m.erases, snap.erases)
	m.mode = interruptNone
	m.dead = false
}
