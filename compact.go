package flashkv

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// compact relocates the live entries of the emptiest page into the open page
// (and the reserve page when that fills), then erases the victim. It reports
// whether it made any progress; false means there is nothing left to
// reclaim.
//
// The operation is safe to interrupt anywhere: a copy becomes real only when
// its valid flip commits, the victim original is marked deleted only after
// that, and the erase starts only once nothing live is left on the victim.
// After a crash, leftover duplicates resolve toward the copy because the
// copy always sits in a page of strictly higher generation.
func (s *Store) compact() (bool, error) {
	victim := s.pickVictim()
	if victim < 0 {
		v, err := s.rotateOpen()
		if err != nil {
			return false, err
		}
		victim = v
	}
	if victim < 0 {
		return false, nil
	}
	pm := &s.pages[victim]

	// The store keeps no per-entry memory of closed pages; re-scan the
	// victim to find what is still live.
	ps, err := scanPage(s.m, victim, s.fp, s.lim)
	if err != nil {
		return false, err
	}
	log.WithFields(log.Fields{
		"page": victim,
		"gen":  ps.gen,
		"live": ps.liveBytes,
		"dead": ps.deadBytes,
	}).Debug("compacting")

	for i := range ps.entries {
		e := &ps.entries[i]
		if e.status != statusLive {
			continue
		}
		if e.kind != kindNormal {
			// Markers are reconciled away at Init and retired inline during
			// transactions; a live one here is a defect upstream.
			log.WithFields(log.Fields{"page": victim, "off": e.off}).
				Warn("live marker on compaction victim, dropping")
			if err := s.dropEntry(ps, e); err != nil {
				return false, err
			}
			continue
		}
		cur, ok := s.index[e.key]
		if !ok || cur.page != victim || cur.off != e.off {
			// Not the version the index trusts; let the erase take it.
			if err := s.dropEntry(ps, e); err != nil {
				return false, err
			}
			continue
		}

		rec := record{
			kind:     kindNormal,
			key:      e.key,
			stored:   append([]byte(nil), e.payload...),
			rawLen:   e.rawLen,
			compBits: ^e.flag & (flagSnappy | flagLz4),
		}
		if err := s.ensureRoom(rec.words(), true); err != nil {
			return false, err
		}
		loc, err := s.appendInOpen(rec)
		if err != nil {
			return false, err
		}
		s.index[e.key] = loc
		if err := s.dropEntry(ps, e); err != nil {
			return false, err
		}
	}

	if err := s.m.Erase(victim); err != nil {
		if errors.Is(errors.Cause(err), ErrEraseLimitExceeded) {
			// Everything live is relocated; the page just cannot be reused.
			pm.worn = true
			pm.sealed = true
			log.WithField("page", victim).Warn("compaction victim worn out, space lost")
			return true, nil
		}
		return false, err
	}
	s.pages[victim] = pageMeta{state: pageFree}
	return true, nil
}

// rotateOpen hands the open page over as a compaction victim when it is the
// only page with reclaimable bytes: a fresh page takes over appends first,
// so the copies have somewhere to land. Returns -1 when the open page holds
// nothing dead or no free page is left to rotate onto.
func (s *Store) rotateOpen() (int, error) {
	if s.open < 0 || s.pages[s.open].dead == 0 || s.freePages() < 1 {
		return -1, nil
	}
	old := s.open
	if err := s.openFresh(); err != nil {
		return -1, err
	}
	return old, nil
}

// pickVictim returns the non-open active page with the lowest ratio of live
// bytes to page size, ties to the lowest generation so wear spreads onto the
// oldest pages. Returns -1 when no page would yield any space.
func (s *Store) pickVictim() int {
	best := -1
	for p := range s.pages {
		pm := &s.pages[p]
		if pm.state != pageActive || pm.worn || p == s.open {
			continue
		}
		if pm.live >= s.pageCapBytes() {
			// Fully live: erasing it buys nothing.
			continue
		}
		if best < 0 {
			best = p
			continue
		}
		bp := &s.pages[best]
		if pm.live < bp.live || (pm.live == bp.live && pm.gen < bp.gen) {
			best = p
		}
	}
	return best
}
