package flashkv

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// pageScan is the read-only recovery view of one page. The scanner never
// writes; reconciliation of what it finds is the store's job.
type pageScan struct {
	page     int
	state    pageState
	mismatch bool // valid header, foreign configuration
	gen      uint32

	// tail is the first free word, where the next append would go.
	// sealed means the log ended in something unparsable instead of the
	// erased sentinel: no more appends, the rest of the page is dead.
	tail   int
	sealed bool

	liveBytes int
	deadBytes int

	entries []parsedEntry
}

// freeTailBytes is the append room left behind the log.
func (ps *pageScan) freeTailBytes(pageWords int) int {
	if ps.state != pageActive || ps.sealed {
		return 0
	}
	return (pageWords - ps.tail) * wordBytes
}

// scanPage reads one page from empty flash and classifies it: free (fully
// erased), dirty (lost power mid-erase or mid-open), or active with a
// recovered entry log. Torn trailing entries and uncommitted reservations
// scan as dead bytes; a log that ends in unparsable data seals the page.
func scanPage(m Medium, page int, fingerprint uint32, lim entryLimits) (*pageScan, error) {
	buf, err := m.Read(page*lim.pageWords, lim.pageWords)
	if err != nil {
		return nil, errors.Wrapf(err, "scan page %d", page)
	}

	ps := &pageScan{page: page}
	if allErased(buf) {
		ps.state = pageFree
		return ps, nil
	}

	gen, ok, mismatch := parsePageHeader(buf, fingerprint)
	if !ok {
		ps.state = pageDirty
		ps.deadBytes = lim.pageWords * wordBytes
		return ps, nil
	}
	ps.state = pageActive
	ps.gen = gen
	ps.mismatch = mismatch
	if mismatch {
		return ps, nil
	}

	off := pageHeaderWords
	for off < lim.pageWords {
		pe, res := parseEntryAt(buf, off, lim)
		if res == parseEnd {
			break
		}
		if res == parseSeal {
			log.WithFields(log.Fields{"page": page, "off": off}).
				Debug("unparsable log tail, sealing page")
			ps.sealed = true
			ps.deadBytes += (lim.pageWords - off) * wordBytes
			off = lim.pageWords
			break
		}
		switch pe.status {
		case statusLive:
			ps.liveBytes += pe.words * wordBytes
		default:
			ps.deadBytes += pe.words * wordBytes
		}
		ps.entries = append(ps.entries, pe)
		off += pe.words
	}
	ps.tail = off
	return ps, nil
}

// scanAll scans every page and orders nothing; callers fold the result.
func scanAll(m Medium, fingerprint uint32, lim entryLimits) ([]*pageScan, error) {
	cfg := m.Config()
	scans := make([]*pageScan, cfg.PageCount)
	for p := 0; p < cfg.PageCount; p++ {
		ps, err := scanPage(m, p, fingerprint, lim)
		if err != nil {
			return nil, err
		}
		scans[p] = ps
	}
	return scans, nil
}
