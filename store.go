package flashkv

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options represent the policy constants of a store. Geometry comes from the
// medium; these are fixed at creation time and fingerprinted into every page
// header, so Init on an image written under different limits fails with
// ErrFormatMismatch instead of misreading it.
type Options struct {
	// MaxKey is the highest caller-assignable key. Keys are caller-owned
	// integers; the store never allocates them.
	MaxKey uint16

	// MaxValueLen is the largest accepted payload in bytes.
	MaxValueLen int

	// MaxTxOps bounds the number of operations in one Transaction.
	MaxTxOps int

	// Compression, when set, compresses payloads that shrink from it.
	// Decompression is always available regardless of this setting.
	Compression CompressAlgorithm
}

// DefaultOptions are sized for a small credential store on 1 KiB pages: the
// largest value and a full transaction bracket both fit one page. Real
// deployments derive their own from the medium geometry.
var DefaultOptions = &Options{
	MaxKey:      0x0FFF,
	MaxValueLen: 255,
	MaxTxOps:    3,
	Compression: CompNone,
}

type storeState uint8

const (
	stateUninitialized storeState = iota
	stateRecovering
	stateReady
)

// location addresses the current committed entry of a key.
type location struct {
	page  int
	off   int // word offset within the page
	words int
}

// pageMeta is the store's live bookkeeping for one page, derived from a scan
// and kept current as entries are appended and marked deleted.
type pageMeta struct {
	state  pageState
	gen    uint32
	tail   int // next free word; meaningless unless active
	sealed bool
	live   int // bytes held by committed, undeleted entries
	dead   int // bytes consumed by anything else
	worn   bool
}

// Usage is the capacity report of a store.
type Usage struct {
	// UsedBytes is space held by live entries, including per-entry overhead.
	UsedBytes int
	// TotalBytes is the usable capacity: one page is always held back so
	// compaction can run.
	TotalBytes int
	// ReclaimableBytes is space compaction could recover right now.
	ReclaimableBytes int
	// ErasesRemaining is the store-wide erase-cycle budget left. It reaches
	// zero slowly; callers can treat a low value as approaching exhaustion
	// before writes start failing with ErrNoCapacity.
	ErasesRemaining int
}

// Store is the persistent key-value engine. It is single-threaded by design:
// callers serialize access, and the only concurrency it defends against is
// power loss, which Init resolves by rescanning flash.
type Store struct {
	m    Medium
	cfg  MediumConfig
	opts Options
	fp   uint32
	lim  entryLimits

	state   storeState
	pages   []pageMeta
	index   map[uint16]location
	open    int // page currently taking appends, -1 if none
	nextGen uint32

	compress Compressor
	compBits uint8
}

// New wires a store to a medium. The store is Uninitialized until Init
// recovers an existing image or Format creates a fresh one.
func New(m Medium, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions
	}
	cfg := m.Config()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.WordBytes != wordBytes {
		return nil, errors.Errorf("store layout requires %d-byte words, medium has %d", wordBytes, cfg.WordBytes)
	}
	if opts.MaxKey >= markerKey {
		return nil, errors.Errorf("MaxKey %#x collides with the marker key", opts.MaxKey)
	}
	if opts.MaxValueLen <= 0 || opts.MaxValueLen > 0xFFFE {
		return nil, errors.Errorf("MaxValueLen %d out of range", opts.MaxValueLen)
	}
	if opts.MaxTxOps < 1 {
		return nil, errors.New("MaxTxOps must be at least 1")
	}

	pageWords := cfg.PageWords()
	logWords := pageWords - pageHeaderWords
	if entryWords(opts.MaxValueLen) > logWords {
		return nil, errors.Errorf("MaxValueLen %d cannot fit one page", opts.MaxValueLen)
	}
	if 2*entryWords(0)+opts.MaxTxOps*entryWords(opts.MaxValueLen) > logWords {
		return nil, errors.Errorf("MaxTxOps %d cannot fit one page bracket", opts.MaxTxOps)
	}

	s := &Store{
		m:     m,
		cfg:   cfg,
		opts:  *opts,
		fp:    configFingerprint(cfg, opts.MaxKey, opts.MaxValueLen),
		lim:   entryLimits{pageWords: pageWords, maxRaw: opts.MaxValueLen},
		index: make(map[uint16]location),
		open:  -1,
	}
	s.compress = compressorFor(opts.Compression)
	switch opts.Compression {
	case CompSnappy:
		s.compBits = flagSnappy
	case CompLz4:
		s.compBits = flagLz4
	}
	return s, nil
}

func (s *Store) pageWords() int    { return s.lim.pageWords }
func (s *Store) pageCapBytes() int { return (s.pageWords() - pageHeaderWords) * wordBytes }

// usableBytes keeps one page in reserve for compaction and excludes pages
// whose erase budget is spent.
func (s *Store) usableBytes() int {
	worn := 0
	for i := range s.pages {
		if s.pages[i].worn {
			worn++
		}
	}
	n := s.cfg.PageCount - 1 - worn
	if n < 0 {
		n = 0
	}
	return n * s.pageCapBytes()
}

func (s *Store) totalLive() int {
	t := 0
	for i := range s.pages {
		if s.pages[i].state == pageActive {
			t += s.pages[i].live
		}
	}
	return t
}

// Init scans every page, reconciles interrupted transactions and
// compactions, rebuilds the key index and moves the store to Ready. Blank or
// foreign flash fails with ErrFormatMismatch; first use requires Format.
func (s *Store) Init() error {
	s.state = stateRecovering
	err := s.initLocked()
	if err != nil {
		s.state = stateUninitialized
		return err
	}
	s.state = stateReady
	return nil
}

func (s *Store) initLocked() error {
	scans, err := scanAll(s.m, s.fp, s.lim)
	if err != nil {
		return err
	}

	s.pages = make([]pageMeta, s.cfg.PageCount)
	s.index = make(map[uint16]location)
	s.open = -1
	s.nextGen = 1

	active := 0
	for p, ps := range scans {
		if ps.mismatch {
			return errors.Wrapf(ErrFormatMismatch, "page %d written under a different configuration", p)
		}
		s.pages[p] = pageMeta{
			state:  ps.state,
			gen:    ps.gen,
			tail:   ps.tail,
			sealed: ps.sealed,
			live:   ps.liveBytes,
			dead:   ps.deadBytes,
		}
		if ps.state == pageActive {
			active++
			if ps.gen >= s.nextGen {
				s.nextGen = ps.gen + 1
			}
		}
	}
	if active == 0 {
		return errors.Wrap(ErrFormatMismatch, "no formatted pages")
	}

	if err := s.reconcile(scans); err != nil {
		return err
	}

	// Fold the surviving entries into the index. Duplicates left behind by
	// an interrupted compaction resolve toward the newer copy: higher page
	// generation, then higher offset.
	type winner struct {
		loc location
		gen uint32
	}
	winners := make(map[uint16]winner)
	losers := 0
	for _, ps := range scans {
		if ps.state != pageActive {
			continue
		}
		for i := range ps.entries {
			e := &ps.entries[i]
			if e.status != statusLive || e.kind != kindNormal {
				continue
			}
			loc := location{page: ps.page, off: e.off, words: e.words}
			prev, ok := winners[e.key]
			if !ok {
				winners[e.key] = winner{loc: loc, gen: ps.gen}
				continue
			}
			losers++
			if newer(ps.gen, e.off, prev.gen, prev.loc.off) {
				// The older copy loses.
				winners[e.key] = winner{loc: loc, gen: ps.gen}
				if err := s.deleteAt(prev.loc); err != nil {
					return err
				}
			} else {
				if err := s.dropEntry(ps, e); err != nil {
					return err
				}
			}
		}
	}
	for k, w := range winners {
		s.index[k] = w.loc
	}

	// Only the page holding the newest generation may take appends: resuming
	// an older page would put later writes below earlier ones in the
	// (generation, offset) order that duplicate resolution and tombstone
	// precedence sort by. If the newest page is sealed or full, the next
	// write opens a fresh page under a fresh generation instead.
	newest := -1
	for p := range s.pages {
		pm := &s.pages[p]
		if pm.state != pageActive {
			continue
		}
		if newest < 0 || pm.gen > s.pages[newest].gen {
			newest = p
		}
	}
	if pm := &s.pages[newest]; !pm.sealed && pm.tail < s.pageWords() {
		s.open = newest
	}

	log.WithFields(log.Fields{
		"pages":      s.cfg.PageCount,
		"active":     active,
		"keys":       len(s.index),
		"duplicates": losers,
		"live_bytes": s.totalLive(),
	}).Info("store recovered")
	return nil
}

// newer reports whether entry A (page generation genA, offset offA) was
// written after entry B. Page generations are store-wide and only grow, so
// this is a total order on committed entries.
func newer(genA uint32, offA int, genB uint32, offB int) bool {
	if genA != genB {
		return genA > genB
	}
	return offA > offB
}

// dropEntry is deleteAt for an entry still held in a scan, keeping the scan
// view consistent with flash.
func (s *Store) dropEntry(ps *pageScan, e *parsedEntry) error {
	if e.status != statusLive {
		return nil
	}
	if err := markDeletedAt(s.m, s.pageWords(), ps.page, e.off, s.lim); err != nil {
		return err
	}
	e.status = statusDeleted
	bytes := e.words * wordBytes
	s.pages[ps.page].live -= bytes
	s.pages[ps.page].dead += bytes
	return nil
}

// Format erases the medium and writes a fresh, empty store. It is the
// explicit bootstrap for first use and the recovery of last resort.
func (s *Store) Format() error {
	s.state = stateRecovering
	s.pages = make([]pageMeta, s.cfg.PageCount)
	s.index = make(map[uint16]location)
	s.open = -1
	s.nextGen = 1

	usable := 0
	for p := 0; p < s.cfg.PageCount; p++ {
		buf, err := s.m.Read(p*s.pageWords(), s.pageWords())
		if err != nil {
			s.state = stateUninitialized
			return err
		}
		if !allErased(buf) {
			if err := s.m.Erase(p); err != nil {
				if errors.Is(errors.Cause(err), ErrEraseLimitExceeded) {
					s.pages[p] = pageMeta{state: pageDirty, worn: true}
					log.WithField("page", p).Warn("page worn out, excluded from format")
					continue
				}
				s.state = stateUninitialized
				return err
			}
		}
		s.pages[p] = pageMeta{state: pageFree}
		usable++
	}
	if usable < 2 {
		s.state = stateUninitialized
		return errors.Wrap(ErrNoCapacity, "not enough erasable pages to format")
	}
	if err := s.openFresh(); err != nil {
		s.state = stateUninitialized
		return err
	}
	s.state = stateReady
	return nil
}

func (s *Store) ready() error {
	if s.state != stateReady {
		return ErrNotInitialized
	}
	return nil
}

func (s *Store) checkKey(key uint16) error {
	if key > s.opts.MaxKey {
		return errors.Wrapf(ErrKeyOutOfRange, "key %d > max %d", key, s.opts.MaxKey)
	}
	return nil
}

// pack compresses a payload when the configured compressor actually shrinks
// it, and returns the on-flash bytes plus the flag bits describing them.
func (s *Store) pack(value []byte) ([]byte, uint8) {
	if s.compress == nil || len(value) == 0 {
		return value, 0
	}
	c := s.compress(value)
	if len(c) < len(value) {
		return c, s.compBits
	}
	return value, 0
}

func unpack(pe parsedEntry) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch {
	case programmed(pe.flag, flagSnappy):
		out, err = SnappyDeCompress(pe.payload)
	case programmed(pe.flag, flagLz4):
		out, err = Lz4DeCompress(pe.payload)
	default:
		out = append([]byte(nil), pe.payload...)
	}
	if err != nil {
		return nil, errors.Wrap(ErrCorruptEntry, err.Error())
	}
	if len(out) != pe.rawLen {
		return nil, errors.Wrapf(ErrCorruptEntry, "payload is %d bytes, header says %d", len(out), pe.rawLen)
	}
	return out, nil
}

// Find returns the current payload for key, or found=false when the key
// holds nothing. A checksum failure on a supposedly live entry surfaces as
// ErrCorruptEntry without taking the rest of the store down.
func (s *Store) Find(key uint16) (value []byte, found bool, err error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	if err := s.checkKey(key); err != nil {
		return nil, false, err
	}
	loc, ok := s.index[key]
	if !ok {
		return nil, false, nil
	}
	pe, err := readEntryAt(s.m, s.pageWords(), loc.page, loc.off, s.lim)
	if err != nil {
		return nil, false, err
	}
	if pe.status != statusLive || pe.key != key {
		return nil, false, errors.Wrapf(ErrCorruptEntry, "index points at a non-live entry for key %d", key)
	}
	out, err := unpack(pe)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Put inserts or updates a key. The new entry is appended and committed
// before the previous one is marked deleted, so power loss leaves either the
// old or the new payload, never neither. A full page triggers compaction
// transparently; ErrNoCapacity means even compaction cannot make room.
func (s *Store) Put(key uint16, value []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.checkKey(key); err != nil {
		return err
	}
	if len(value) > s.opts.MaxValueLen {
		return errors.Wrapf(ErrValueTooLarge, "%d > %d", len(value), s.opts.MaxValueLen)
	}

	stored, compBits := s.pack(value)
	rec := record{kind: kindNormal, key: key, stored: stored, rawLen: len(value), compBits: compBits}

	credit := 0
	old, hadOld := s.index[key]
	if hadOld {
		credit = old.words * wordBytes
	}
	if s.totalLive()-credit+rec.words()*wordBytes > s.usableBytes() {
		return errors.Wrapf(ErrNoCapacity, "key %d", key)
	}

	loc, err := s.append(rec)
	if err != nil {
		return err
	}
	if hadOld {
		if err := s.deleteAt(old); err != nil {
			return err
		}
	}
	s.index[key] = loc
	return nil
}

// Delete removes a key. Deleting an absent key is a successful no-op.
func (s *Store) Delete(key uint16) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.checkKey(key); err != nil {
		return err
	}
	loc, ok := s.index[key]
	if !ok {
		return nil
	}
	if err := s.deleteAt(loc); err != nil {
		return err
	}
	delete(s.index, key)
	return nil
}

// Keys returns all live keys in ascending order.
func (s *Store) Keys() ([]uint16, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	keys := make([]uint16, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Capacity reports usage for admission decisions by the layer above.
func (s *Store) Capacity() (Usage, error) {
	if err := s.ready(); err != nil {
		return Usage{}, err
	}
	u := Usage{
		UsedBytes:  s.totalLive(),
		TotalBytes: s.usableBytes(),
	}
	for p := range s.pages {
		pm := &s.pages[p]
		switch pm.state {
		case pageActive:
			u.ReclaimableBytes += pm.dead
			if p != s.open && !pm.sealed {
				u.ReclaimableBytes += (s.pageWords() - pm.tail) * wordBytes
			}
		case pageDirty:
			if !pm.worn {
				u.ReclaimableBytes += s.pageCapBytes()
			}
		}
		if !pm.worn {
			if n, err := s.m.EraseCount(p); err == nil && n < s.cfg.MaxEraseCycles {
				u.ErasesRemaining += s.cfg.MaxEraseCycles - n
			}
		}
	}
	return u, nil
}

// append places a committed entry in the open page, compacting and retrying
// when the page is full.
func (s *Store) append(rec record) (location, error) {
	if err := s.ensureRoom(rec.words(), false); err != nil {
		return location{}, err
	}
	return s.appendInOpen(rec)
}

// appendInOpen writes into the already-reserved room of the open page.
func (s *Store) appendInOpen(rec record) (location, error) {
	pm := &s.pages[s.open]
	words := rec.words()
	if pm.tail+words > s.pageWords() {
		return location{}, errors.Wrapf(ErrPageFull, "page %d", s.open)
	}
	loc := location{page: s.open, off: pm.tail, words: words}
	err := appendAt(s.m, s.open*s.pageWords()+pm.tail, rec)
	// The span is consumed even on failure: some of its words may already
	// be programmed, and appending over them would trip ErrAlreadyProgrammed.
	pm.tail += words
	if err != nil {
		pm.dead += words * wordBytes
		return location{}, err
	}
	pm.live += words * wordBytes
	return loc, nil
}

// ensureRoom makes the open page able to take n more words, opening fresh
// pages and compacting as needed. Compaction itself calls with inCompaction
// set, which may consume the reserve page but never recurses.
func (s *Store) ensureRoom(n int, inCompaction bool) error {
	for attempt := 0; attempt <= 2*s.cfg.PageCount+2; attempt++ {
		if s.open >= 0 {
			pm := &s.pages[s.open]
			if pm.state == pageActive && !pm.sealed && pm.tail+n <= s.pageWords() {
				return nil
			}
		}
		free := s.freePages()
		needed := 2
		if inCompaction {
			needed = 1
		}
		if free >= needed {
			if err := s.openFresh(); err != nil {
				return err
			}
			continue
		}
		if inCompaction {
			return errors.Wrap(ErrNoCapacity, "no reserve page for compaction")
		}
		progressed, err := s.compact()
		if err != nil {
			return err
		}
		if !progressed {
			return errors.Wrap(ErrNoCapacity, "nothing left to compact")
		}
	}
	return errors.Wrap(ErrNoCapacity, "compaction made no progress")
}

func (s *Store) freePages() int {
	n := 0
	for i := range s.pages {
		if s.pages[i].worn {
			continue
		}
		if s.pages[i].state == pageFree || s.pages[i].state == pageDirty {
			n++
		}
	}
	return n
}

// openFresh claims the least-worn free page, erasing it first if a prior
// power loss left it dirty, and writes its header under the next generation.
func (s *Store) openFresh() error {
	for {
		best := -1
		bestErases := 0
		for p := range s.pages {
			pm := &s.pages[p]
			if pm.worn || (pm.state != pageFree && pm.state != pageDirty) {
				continue
			}
			n, err := s.m.EraseCount(p)
			if err != nil {
				return err
			}
			// A dirty page costs an extra erase; free pages win ties.
			if pm.state == pageDirty {
				n++
			}
			if best < 0 || n < bestErases {
				best, bestErases = p, n
			}
		}
		if best < 0 {
			return errors.Wrap(ErrNoCapacity, "no free page")
		}
		pm := &s.pages[best]
		if pm.state == pageDirty {
			if err := s.m.Erase(best); err != nil {
				if errors.Is(errors.Cause(err), ErrEraseLimitExceeded) {
					pm.worn = true
					log.WithField("page", best).Warn("page worn out")
					continue
				}
				return err
			}
		}
		if err := writePageHeader(s.m, s.pageWords(), best, s.nextGen, s.fp); err != nil {
			// Header may be partially programmed; the page is dirty now.
			pm.state = pageDirty
			return err
		}
		*pm = pageMeta{state: pageActive, gen: s.nextGen, tail: pageHeaderWords}
		s.nextGen++
		s.open = best
		return nil
	}
}

// deleteAt marks an entry deleted and keeps the page bookkeeping current.
func (s *Store) deleteAt(loc location) error {
	if err := markDeletedAt(s.m, s.pageWords(), loc.page, loc.off, s.lim); err != nil {
		return err
	}
	bytes := loc.words * wordBytes
	s.pages[loc.page].live -= bytes
	s.pages[loc.page].dead += bytes
	return nil
}
