package flashkv

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// imageMagic = "FKVI" in little endian, written at the start of the counter
// trailer so a truncated or foreign file is rejected instead of misread.
const imageMagic uint32 = 0x49564B46

// FileOptions configure how a flash image file is opened.
type FileOptions struct {
	// ReadOnly opens the image with a shared lock; all mutations fail with
	// ErrReadOnly.
	ReadOnly bool

	// Timeout is how long to wait for the advisory file lock. Zero means
	// try once and fail immediately with ErrLockedByOther.
	Timeout time.Duration
}

// FileMedium keeps a flash image in a regular file: the raw page bytes
// followed by a trailer holding the per-page erase counters. It mirrors the
// image in memory and writes through on every mutation, which keeps Read
// cheap and preserves the program-toward-zero contract of a real medium.
//
// It exists for development tooling and host-side testing; on a device the
// Medium is the hardware flash driver.
type FileMedium struct {
	cfg      MediumConfig
	file     *os.File
	path     string
	data     []byte
	erases   []int
	readOnly bool
	opened   bool

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

var _ Medium = (*FileMedium)(nil)

// OpenFileMedium opens or creates a flash image file with the given
// geometry. A fresh file is initialized fully erased with zero wear. An
// existing file must match the geometry exactly.
func OpenFileMedium(path string, cfg MediumConfig, opts *FileOptions) (*FileMedium, error) {
	if opts == nil {
		opts = &FileOptions{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &FileMedium{cfg: cfg, path: path, readOnly: opts.ReadOnly, opened: true}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	var err error
	if m.file, err = os.OpenFile(path, flag, 0600); err != nil {
		if os.IsNotExist(err) && !opts.ReadOnly {
			m.file, err = os.OpenFile(path, flag|os.O_CREATE, 0600)
		}
		if err != nil {
			return nil, errors.Wrap(err, "open image")
		}
	}

	// Only one writer at a time; concurrent writers would interleave page
	// programs and corrupt the image.
	if err := waitflock(m.file, opts.ReadOnly, opts.Timeout); err != nil {
		_ = m.file.Close()
		return nil, err
	}
	m.ops.writeAt = m.file.WriteAt

	if err := m.load(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (m *FileMedium) trailerSize() int { return 4 + 4*m.cfg.PageCount }

func (m *FileMedium) load() error {
	info, err := m.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat image")
	}

	m.data = make([]byte, m.cfg.TotalBytes())
	m.erases = make([]int, m.cfg.PageCount)

	if info.Size() == 0 {
		if m.readOnly {
			return errors.Wrap(os.ErrNotExist, "empty read-only image")
		}
		for i := range m.data {
			m.data[i] = erasedByte
		}
		if _, err := m.ops.writeAt(m.data, 0); err != nil {
			return errors.Wrap(err, "init image")
		}
		if err := m.writeTrailer(); err != nil {
			return err
		}
		return m.file.Sync()
	}

	want := int64(m.cfg.TotalBytes() + m.trailerSize())
	if info.Size() != want {
		return errors.Wrapf(ErrFormatMismatch, "image is %d bytes, geometry wants %d", info.Size(), want)
	}
	if _, err := io.ReadFull(io.NewSectionReader(m.file, 0, int64(len(m.data))), m.data); err != nil {
		return errors.Wrap(err, "read image")
	}
	trailer := make([]byte, m.trailerSize())
	if _, err := m.file.ReadAt(trailer, int64(len(m.data))); err != nil {
		return errors.Wrap(err, "read image trailer")
	}
	if binary.LittleEndian.Uint32(trailer) != imageMagic {
		return errors.Wrap(ErrFormatMismatch, "bad image trailer magic")
	}
	for i := 0; i < m.cfg.PageCount; i++ {
		m.erases[i] = int(binary.LittleEndian.Uint32(trailer[4+4*i:]))
	}
	return nil
}

func (m *FileMedium) writeTrailer() error {
	trailer := make([]byte, m.trailerSize())
	binary.LittleEndian.PutUint32(trailer, imageMagic)
	for i, n := range m.erases {
		binary.LittleEndian.PutUint32(trailer[4+4*i:], uint32(n))
	}
	_, err := m.ops.writeAt(trailer, int64(m.cfg.TotalBytes()))
	return errors.Wrap(err, "write image trailer")
}

func (m *FileMedium) Config() MediumConfig { return m.cfg }

func (m *FileMedium) Read(word, n int) ([]byte, error) {
	start := word * m.cfg.WordBytes
	end := start + n*m.cfg.WordBytes
	if word < 0 || n < 0 || end > len(m.data) {
		return nil, errors.Wrapf(ErrWriteOutOfBounds, "read word %d+%d", word, n)
	}
	out := make([]byte, end-start)
	copy(out, m.data[start:end])
	return out, nil
}

func (m *FileMedium) Write(word int, data []byte) error {
	if m.readOnly {
		return ErrReadOnly
	}
	wb := m.cfg.WordBytes
	if len(data)%wb != 0 {
		return errors.Wrapf(ErrWriteOutOfBounds, "write of %d bytes not word granular", len(data))
	}
	start := word * wb
	if word < 0 || start+len(data) > len(m.data) {
		return errors.Wrapf(ErrWriteOutOfBounds, "write word %d len %d", word, len(data))
	}
	for i, b := range data {
		if b&^m.data[start+i] != 0 {
			return errors.Wrapf(ErrAlreadyProgrammed, "word %d byte %d", word+i/wb, i%wb)
		}
	}
	copy(m.data[start:], data)
	if _, err := m.ops.writeAt(data, int64(start)); err != nil {
		return errors.Wrap(err, "write image")
	}
	return nil
}

func (m *FileMedium) Erase(page int) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if page < 0 || page >= m.cfg.PageCount {
		return errors.Wrapf(ErrWriteOutOfBounds, "erase page %d", page)
	}
	if m.erases[page] >= m.cfg.MaxEraseCycles {
		return errors.Wrapf(ErrEraseLimitExceeded, "page %d at %d cycles", page, m.erases[page])
	}
	m.erases[page]++
	start := page * m.cfg.PageBytes
	for i := 0; i < m.cfg.PageBytes; i++ {
		m.data[start+i] = erasedByte
	}
	if _, err := m.ops.writeAt(m.data[start:start+m.cfg.PageBytes], int64(start)); err != nil {
		return errors.Wrap(err, "erase image page")
	}
	if err := m.writeTrailer(); err != nil {
		return err
	}
	// An erase is the one destructive transition, so make it durable now.
	return errors.Wrap(m.file.Sync(), "sync after erase")
}

func (m *FileMedium) EraseCount(page int) (int, error) {
	if page < 0 || page >= m.cfg.PageCount {
		return 0, errors.Wrapf(ErrWriteOutOfBounds, "page %d", page)
	}
	return m.erases[page], nil
}

// Close syncs, unlocks and closes the image file.
func (m *FileMedium) Close() error {
	if !m.opened {
		return nil
	}
	m.opened = false
	m.ops.writeAt = nil

	if m.file != nil {
		if !m.readOnly {
			if err := m.file.Sync(); err != nil {
				return errors.Wrap(err, "sync image")
			}
			if err := funlock(m.file); err != nil {
				log.WithField("path", m.path).Warnf("funlock error: %s", err)
			}
		}
		if err := m.file.Close(); err != nil {
			return errors.Wrap(err, "close image")
		}
		m.file = nil
	}
	return nil
}
