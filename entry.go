package flashkv

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// The store's on-flash layout is defined for 4-byte words. Entry layout,
// word-aligned and packed:
//
//	w0: flag byte | 0x00 pad | key (uint16 LE)
//	w1: stored length (uint16 LE) | raw length (uint16 LE)
//	w2: CRC-32 (IEEE, LE)
//	w3…: payload, zero padded to word granularity
//
// The flag byte programs monotonically. An entry becomes meaningful only when
// its valid bit is programmed, which happens in a single word write after the
// payload and checksum are durable. That ordering is what makes an append
// atomic under power loss: anything cut short scans as Reserved or as a torn
// checksum and is discarded.
const (
	wordBytes        = 4
	entryHeaderWords = 3
)

const (
	flagReserve uint8 = 1 << iota // programmed first, claims the span
	flagValid                     // commit point of an append
	flagDeleted                   // supersedes valid
	flagPrepare                   // marker kind bits, fixed at reserve time
	flagCommit
	flagSnappy // payload compression
	flagLz4
)

// lifecycleMask covers the bits that change after the entry is written; the
// checksum is computed with them forced to the erased state so it stays
// verifiable across Valid→Deleted transitions.
const lifecycleMask = flagReserve | flagValid | flagDeleted

type entryKind uint8

const (
	kindNormal entryKind = iota
	kindPrepare
	kindCommit
	kindTombstone
)

func kindBits(k entryKind) uint8 {
	switch k {
	case kindPrepare:
		return flagPrepare
	case kindCommit:
		return flagCommit
	case kindTombstone:
		return flagPrepare | flagCommit
	default:
		return 0
	}
}

func kindOf(flag uint8) entryKind {
	p, c := programmed(flag, flagPrepare), programmed(flag, flagCommit)
	switch {
	case p && c:
		return kindTombstone
	case p:
		return kindPrepare
	case c:
		return kindCommit
	default:
		return kindNormal
	}
}

// markerKey is the key field of prepare/commit markers. It is never a caller
// key; Options.MaxKey tops out below it.
const markerKey uint16 = 0xFFFF

// entryWords returns the total span of an entry in words.
func entryWords(storedLen int) int {
	return entryHeaderWords + (storedLen+wordBytes-1)/wordBytes
}

func entryChecksum(flag uint8, key uint16, storedLen, rawLen int, payload []byte) uint32 {
	var hdr [8]byte
	hdr[0] = flag | lifecycleMask
	hdr[1] = 0
	binary.LittleEndian.PutUint16(hdr[2:], key)
	binary.LittleEndian.PutUint16(hdr[4:], uint16(storedLen))
	binary.LittleEndian.PutUint16(hdr[6:], uint16(rawLen))
	crc := crc32.ChecksumIEEE(hdr[:])
	return crc32.Update(crc, crc32.IEEETable, payload)
}

// record is an entry staged for appending.
type record struct {
	kind     entryKind
	key      uint16
	stored   []byte // on-flash payload bytes, possibly compressed
	rawLen   int
	compBits uint8 // flagSnappy or flagLz4 when stored is compressed
}

func (r record) words() int { return entryWords(len(r.stored)) }

// appendAt runs the crash-ordered append protocol at the given absolute word
// offset: reserve header, payload, checksum, then the single-word valid flip.
func appendAt(m Medium, word int, r record) error {
	flag := program(erasedByte, flagReserve|kindBits(r.kind)|r.compBits)

	hdr := make([]byte, 2*wordBytes)
	hdr[0] = flag
	hdr[1] = 0
	binary.LittleEndian.PutUint16(hdr[2:], r.key)
	binary.LittleEndian.PutUint16(hdr[4:], uint16(len(r.stored)))
	binary.LittleEndian.PutUint16(hdr[6:], uint16(r.rawLen))
	if err := m.Write(word, hdr); err != nil {
		return errors.Wrap(err, "reserve entry")
	}

	if len(r.stored) > 0 {
		padded := make([]byte, (len(r.stored)+wordBytes-1)/wordBytes*wordBytes)
		copy(padded, r.stored)
		if err := m.Write(word+entryHeaderWords, padded); err != nil {
			return errors.Wrap(err, "write payload")
		}
	}

	crcWord := make([]byte, wordBytes)
	binary.LittleEndian.PutUint32(crcWord, entryChecksum(flag, r.key, len(r.stored), r.rawLen, r.stored))
	if err := m.Write(word+2, crcWord); err != nil {
		return errors.Wrap(err, "write checksum")
	}

	hdr2 := make([]byte, wordBytes)
	copy(hdr2, hdr[:wordBytes])
	hdr2[0] = program(flag, flagValid)
	return errors.Wrap(m.Write(word, hdr2), "commit entry")
}

type entryStatus uint8

const (
	// statusDead covers reserved-but-uncommitted spans and torn checksums:
	// space consumed, content ignored.
	statusDead entryStatus = iota
	statusLive
	statusDeleted
)

// parsedEntry is one decoded log slot.
type parsedEntry struct {
	off    int // word offset within the page
	words  int
	flag   uint8
	kind   entryKind
	key    uint16
	rawLen int
	status entryStatus
	// payload references the scan buffer; callers copy what they keep.
	payload []byte
}

type parseResult uint8

const (
	parseOK parseResult = iota
	parseEnd
	parseSeal
)

type entryLimits struct {
	pageWords int
	maxRaw    int
}

// parseEntryAt decodes the entry starting at word off of a page buffer.
// parseEnd means the erased sentinel (end of log); parseSeal means the bytes
// are not a parsable entry and nothing after them can be trusted or appended.
func parseEntryAt(buf []byte, off int, lim entryLimits) (parsedEntry, parseResult) {
	var pe parsedEntry
	w0 := buf[off*wordBytes : off*wordBytes+wordBytes]
	if w0[0] == erasedByte && w0[1] == erasedByte && w0[2] == erasedByte && w0[3] == erasedByte {
		return pe, parseEnd
	}

	flag := w0[0]
	if !programmed(flag, flagReserve) {
		// Partial program of the control word with no reserve bit: a torn
		// reserve we cannot size. Nothing after it is usable.
		return pe, parseSeal
	}
	if off+entryHeaderWords > lim.pageWords {
		return pe, parseSeal
	}

	w1 := buf[(off+1)*wordBytes:]
	storedLen := int(binary.LittleEndian.Uint16(w1))
	rawLen := int(binary.LittleEndian.Uint16(w1[2:]))
	if storedLen > rawLen || rawLen > lim.maxRaw {
		return pe, parseSeal
	}
	words := entryWords(storedLen)
	if off+words > lim.pageWords {
		return pe, parseSeal
	}

	pe = parsedEntry{
		off:    off,
		words:  words,
		flag:   flag,
		kind:   kindOf(flag),
		key:    binary.LittleEndian.Uint16(w0[2:]),
		rawLen: rawLen,
		status: statusDead,
	}
	pe.payload = buf[(off+entryHeaderWords)*wordBytes : (off+entryHeaderWords)*wordBytes+storedLen]

	if !programmed(flag, flagValid) {
		// Reserved but never committed; the span is sized and skippable.
		return pe, parseOK
	}

	want := binary.LittleEndian.Uint32(buf[(off+2)*wordBytes:])
	if entryChecksum(flag, pe.key, storedLen, rawLen, pe.payload) != want {
		// Torn write: discard, keep walking.
		return pe, parseOK
	}
	if programmed(flag, flagDeleted) {
		pe.status = statusDeleted
	} else {
		pe.status = statusLive
	}
	return pe, parseOK
}

// readEntryAt re-reads and re-verifies a single entry from flash.
func readEntryAt(m Medium, pageWords, page, off int, lim entryLimits) (parsedEntry, error) {
	base := page * pageWords
	hdr, err := m.Read(base+off, entryHeaderWords)
	if err != nil {
		return parsedEntry{}, err
	}
	storedLen := int(binary.LittleEndian.Uint16(hdr[4:]))
	if bl := int(binary.LittleEndian.Uint16(hdr[6:])); storedLen > bl || bl > lim.maxRaw {
		return parsedEntry{}, errors.Wrapf(ErrCorruptEntry, "page %d off %d: bad lengths", page, off)
	}
	words := entryWords(storedLen)
	if off+words > pageWords {
		return parsedEntry{}, errors.Wrapf(ErrCorruptEntry, "page %d off %d: overruns page", page, off)
	}
	buf, err := m.Read(base+off, words)
	if err != nil {
		return parsedEntry{}, err
	}
	pe, res := parseEntryAt(buf, 0, entryLimits{pageWords: words, maxRaw: lim.maxRaw})
	if res != parseOK {
		return parsedEntry{}, errors.Wrapf(ErrCorruptEntry, "page %d off %d: unparsable entry", page, off)
	}
	pe.off = off
	return pe, nil
}

// markDeletedAt flips an entry's delete bit in place. The flag word rewrite
// is legal without an erase because it only clears bits. The entry must
// currently verify as a committed entry; anything else is ErrCorruptEntry.
func markDeletedAt(m Medium, pageWords, page, off int, lim entryLimits) error {
	pe, err := readEntryAt(m, pageWords, page, off, lim)
	if err != nil {
		return err
	}
	if pe.status == statusDeleted {
		// Recovery reruns are expected to hit already-deleted entries.
		return nil
	}
	if pe.status != statusLive {
		return errors.Wrapf(ErrCorruptEntry, "page %d off %d: not a valid entry", page, off)
	}

	w0 := make([]byte, wordBytes)
	w0[0] = program(pe.flag, flagDeleted)
	w0[1] = 0
	binary.LittleEndian.PutUint16(w0[2:], pe.key)
	return errors.Wrap(m.Write(page*pageWords+off, w0), "mark deleted")
}
