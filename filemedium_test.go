package flashkv

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func tempImage(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "flashkv")
	if err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, "flash.img"), func() { os.RemoveAll(dir) }
}

func TestFileMediumCreateAndReopen(t *testing.T) {
	assert := assertion.New(t)
	path, cleanup := tempImage(t)
	defer cleanup()

	m, err := OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)
	s, err := New(m, testOptions())
	assert.NoError(err)
	assert.NoError(s.Format())
	assert.NoError(s.Put(1, []byte("persisted")))
	assert.NoError(s.Put(2, []byte("also persisted")))
	assert.NoError(s.Delete(2))
	assert.NoError(m.Close())

	m, err = OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)
	defer m.Close()
	s, err = New(m, testOptions())
	assert.NoError(err)
	assert.NoError(s.Init())
	assert.Equal(map[uint16]string{1: "persisted"}, collect(t, s))
}

func TestFileMediumEraseCountsPersist(t *testing.T) {
	assert := assertion.New(t)
	path, cleanup := tempImage(t)
	defer cleanup()

	m, err := OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)
	assert.NoError(m.Write(0, []byte{0, 0, 0, 0}))
	assert.NoError(m.Erase(0))
	assert.NoError(m.Erase(0))
	assert.NoError(m.Close())

	m, err = OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)
	defer m.Close()
	n, err := m.EraseCount(0)
	assert.NoError(err)
	assert.Equal(2, n)
	n, err = m.EraseCount(1)
	assert.NoError(err)
	assert.Equal(0, n)
}

func TestFileMediumReadOnly(t *testing.T) {
	assert := assertion.New(t)
	path, cleanup := tempImage(t)
	defer cleanup()

	m, err := OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)
	assert.NoError(m.Close())

	ro, err := OpenFileMedium(path, testMediumConfig(), &FileOptions{ReadOnly: true})
	assert.NoError(err)
	defer ro.Close()

	assert.True(errors.Is(ro.Write(0, []byte{0, 0, 0, 0}), ErrReadOnly))
	assert.True(errors.Is(ro.Erase(0), ErrReadOnly))
	_, err = ro.Read(0, 1)
	assert.NoError(err)
}

func TestFileMediumLocking(t *testing.T) {
	assert := assertion.New(t)
	path, cleanup := tempImage(t)
	defer cleanup()

	m, err := OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)

	_, err = OpenFileMedium(path, testMediumConfig(), nil)
	assert.True(errors.Is(err, ErrLockedByOther), "got %v", err)
	_, err = OpenFileMedium(path, testMediumConfig(), &FileOptions{Timeout: 10 * time.Millisecond})
	assert.True(errors.Is(err, ErrLockedByOther), "got %v", err)

	assert.NoError(m.Close())

	// shared locks coexist
	ro1, err := OpenFileMedium(path, testMediumConfig(), &FileOptions{ReadOnly: true})
	assert.NoError(err)
	ro2, err := OpenFileMedium(path, testMediumConfig(), &FileOptions{ReadOnly: true})
	assert.NoError(err)
	assert.NoError(ro1.Close())
	assert.NoError(ro2.Close())
}

func TestFileMediumGeometryMismatch(t *testing.T) {
	assert := assertion.New(t)
	path, cleanup := tempImage(t)
	defer cleanup()

	m, err := OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)
	assert.NoError(m.Close())

	other := testMediumConfig()
	other.PageBytes = 1024
	_, err = OpenFileMedium(path, other, nil)
	assert.True(errors.Is(err, ErrFormatMismatch), "got %v", err)
}

func TestFileMediumRejectsCorruptTrailer(t *testing.T) {
	assert := assertion.New(t)
	path, cleanup := tempImage(t)
	defer cleanup()

	cfg := testMediumConfig()
	m, err := OpenFileMedium(path, cfg, nil)
	assert.NoError(err)
	assert.NoError(m.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	assert.NoError(err)
	_, err = f.WriteAt([]byte("junk"), int64(cfg.TotalBytes()))
	assert.NoError(err)
	assert.NoError(f.Close())

	_, err = OpenFileMedium(path, cfg, nil)
	assert.True(errors.Is(err, ErrFormatMismatch), "got %v", err)
}

func TestFileMediumProgramsTowardZero(t *testing.T) {
	assert := assertion.New(t)
	path, cleanup := tempImage(t)
	defer cleanup()

	m, err := OpenFileMedium(path, testMediumConfig(), nil)
	assert.NoError(err)
	defer m.Close()

	assert.NoError(m.Write(0, []byte{0xF0, 0xFF, 0xFF, 0xFF}))
	// setting a cleared bit back needs an erase
	err = m.Write(0, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	assert.True(errors.Is(err, ErrAlreadyProgrammed))
	assert.NoError(m.Erase(0))
	assert.NoError(m.Write(0, []byte{0xFF, 0xFF, 0xFF, 0x0F}))
}
