package flashkv

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// pageMagic = "FKV1" in little endian.
const pageMagic uint32 = 0x31564B46

// Page header, 4 words, written once when the store opens a page for
// appending:
//
//	w0: magic
//	w1: generation
//	w2: config fingerprint
//	w3: CRC-32 of w0..w2
//
// The generation is a store-wide counter that only grows, so entries in a
// higher-generation page are always newer than entries in a lower one. An
// erased page carries no header at all; a header that fails its checksum
// marks a page that lost power mid-erase or mid-open and must be erased
// before reuse.
const pageHeaderWords = 4

type pageState uint8

const (
	// pageFree: fully erased, ready for a header.
	pageFree pageState = iota
	// pageDirty: unparsable header; contents untrusted, erase before reuse.
	pageDirty
	// pageActive: valid header, holds the entry log.
	pageActive
)

// configFingerprint binds an image to the geometry and limits it was created
// with, so Init can refuse an image written by a differently configured
// store instead of misreading it.
func configFingerprint(cfg MediumConfig, maxKey uint16, maxValueLen int) uint32 {
	var b [20]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(cfg.PageCount))
	binary.LittleEndian.PutUint32(b[4:], uint32(cfg.PageBytes))
	binary.LittleEndian.PutUint32(b[8:], uint32(cfg.WordBytes))
	binary.LittleEndian.PutUint32(b[12:], uint32(maxKey))
	binary.LittleEndian.PutUint32(b[16:], uint32(maxValueLen))
	return crc32.ChecksumIEEE(b[:])
}

func encodePageHeader(gen, fingerprint uint32) []byte {
	buf := make([]byte, pageHeaderWords*wordBytes)
	binary.LittleEndian.PutUint32(buf[0:], pageMagic)
	binary.LittleEndian.PutUint32(buf[4:], gen)
	binary.LittleEndian.PutUint32(buf[8:], fingerprint)
	binary.LittleEndian.PutUint32(buf[12:], crc32.ChecksumIEEE(buf[:12]))
	return buf
}

// parsePageHeader decodes the first words of a page buffer. ok reports a
// structurally valid header; mismatch reports a valid header written under a
// different configuration.
func parsePageHeader(buf []byte, fingerprint uint32) (gen uint32, ok, mismatch bool) {
	if binary.LittleEndian.Uint32(buf[12:]) != crc32.ChecksumIEEE(buf[:12]) {
		return 0, false, false
	}
	if binary.LittleEndian.Uint32(buf[0:]) != pageMagic {
		return 0, false, false
	}
	gen = binary.LittleEndian.Uint32(buf[4:])
	if binary.LittleEndian.Uint32(buf[8:]) != fingerprint {
		return gen, true, true
	}
	return gen, true, false
}

// writePageHeader opens an erased page under the given generation.
func writePageHeader(m Medium, pageWords, page int, gen, fingerprint uint32) error {
	return errors.Wrapf(m.Write(page*pageWords, encodePageHeader(gen, fingerprint)), "open page %d", page)
}

func allErased(buf []byte) bool {
	for _, b := range buf {
		if b != erasedByte {
			return false
		}
	}
	return true
}
