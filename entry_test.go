package flashkv

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestEntryWords(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal(3, entryWords(0))
	assert.Equal(4, entryWords(1))
	assert.Equal(4, entryWords(4))
	assert.Equal(5, entryWords(5))
}

func TestEntryChecksumIgnoresLifecycleBits(t *testing.T) {
	assert := assertion.New(t)
	payload := []byte("counter")
	flag := program(erasedByte, flagReserve)
	sum := entryChecksum(flag, 7, len(payload), len(payload), payload)

	// the checksum must survive the Valid and Deleted transitions
	assert.Equal(sum, entryChecksum(program(flag, flagValid), 7, len(payload), len(payload), payload))
	assert.Equal(sum, entryChecksum(program(flag, flagValid|flagDeleted), 7, len(payload), len(payload), payload))

	// but not changes to the kind or compression bits
	assert.NotEqual(sum, entryChecksum(program(flag, flagSnappy), 7, len(payload), len(payload), payload))
	assert.NotEqual(sum, entryChecksum(program(flag, flagPrepare), 7, len(payload), len(payload), payload))
}

func TestAppendReadRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	m, err := NewMemMedium(testMediumConfig())
	assert.NoError(err)
	pageWords := m.Config().PageWords()
	lim := entryLimits{pageWords: pageWords, maxRaw: 64}

	rec := record{kind: kindNormal, key: 42, stored: []byte("hello"), rawLen: 5}
	assert.NoError(appendAt(m, pageHeaderWords, rec))

	pe, err := readEntryAt(m, pageWords, 0, pageHeaderWords, lim)
	assert.NoError(err)
	assert.Equal(statusLive, pe.status)
	assert.Equal(kindNormal, pe.kind)
	assert.Equal(uint16(42), pe.key)
	assert.Equal([]byte("hello"), pe.payload)
}

func TestMarkDeleted(t *testing.T) {
	assert := assertion.New(t)
	m, err := NewMemMedium(testMediumConfig())
	assert.NoError(err)
	pageWords := m.Config().PageWords()
	lim := entryLimits{pageWords: pageWords, maxRaw: 64}

	rec := record{kind: kindNormal, key: 9, stored: []byte("data"), rawLen: 4}
	assert.NoError(appendAt(m, pageHeaderWords, rec))

	assert.NoError(markDeletedAt(m, pageWords, 0, pageHeaderWords, lim))
	pe, err := readEntryAt(m, pageWords, 0, pageHeaderWords, lim)
	assert.NoError(err)
	assert.Equal(statusDeleted, pe.status)

	// deleting twice is a no-op, recovery depends on that
	assert.NoError(markDeletedAt(m, pageWords, 0, pageHeaderWords, lim))

	// a location with no committed entry is corrupt
	err = markDeletedAt(m, pageWords, 0, pageHeaderWords+rec.words(), lim)
	assert.Error(err)
	assert.True(errors.Is(err, ErrCorruptEntry))
}

func TestParseEntrySentinelAndSeal(t *testing.T) {
	assert := assertion.New(t)
	lim := entryLimits{pageWords: 16, maxRaw: 64}
	buf := make([]byte, 16*wordBytes)
	for i := range buf {
		buf[i] = erasedByte
	}

	// fully erased slot: end of log
	_, res := parseEntryAt(buf, 0, lim)
	assert.Equal(parseEnd, res)

	// control word with some bytes programmed but no reserve bit: torn and
	// unsized, nothing after it can be trusted
	buf[0] = 0xFF
	buf[2] = 0x00
	_, res = parseEntryAt(buf, 0, lim)
	assert.Equal(parseSeal, res)

	// reserved flag but erased length word: torn reserve
	buf[0] = program(erasedByte, flagReserve)
	_, res = parseEntryAt(buf, 0, lim)
	assert.Equal(parseSeal, res)
}

func TestParseEntryTornChecksumIsDead(t *testing.T) {
	assert := assertion.New(t)
	m, err := NewMemMedium(testMediumConfig())
	assert.NoError(err)
	pageWords := m.Config().PageWords()
	lim := entryLimits{pageWords: pageWords, maxRaw: 64}

	rec := record{kind: kindNormal, key: 3, stored: []byte("abcd"), rawLen: 4}
	assert.NoError(appendAt(m, 0, rec))
	// flip payload bits after the fact to break the checksum
	assert.NoError(m.Write(entryHeaderWords, []byte{0, 0, 0, 0}))

	buf, err := m.Read(0, pageWords)
	assert.NoError(err)
	pe, res := parseEntryAt(buf, 0, lim)
	assert.Equal(parseOK, res)
	assert.Equal(statusDead, pe.status)
	assert.Equal(rec.words(), pe.words)
}
