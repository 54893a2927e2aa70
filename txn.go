package flashkv

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OpKind selects what a transaction operation does to its key.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one operation of an atomic transaction.
type Op struct {
	Kind  OpKind
	Key   uint16
	Value []byte // ignored for OpDelete
}

// Transaction applies ops atomically: after recovery from a power loss at
// any point, either every op is visible or none is. The ops are bracketed on
// flash between a Prepare and a Commit marker; removals are written as
// tombstone entries so they ride the same bracket. The whole bracket is
// placed in one page, which bounds MaxTxOps.
//
// Space is checked before anything is written, so a failing transaction
// leaves the store unchanged.
func (s *Store) Transaction(ops []Op) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > s.opts.MaxTxOps {
		return errors.Wrapf(ErrTooManyOps, "%d ops > budget %d", len(ops), s.opts.MaxTxOps)
	}

	recs := make([]record, 0, len(ops))
	spanWords := 2 * entryWords(0)
	for _, op := range ops {
		if err := s.checkKey(op.Key); err != nil {
			return err
		}
		switch op.Kind {
		case OpPut:
			if len(op.Value) > s.opts.MaxValueLen {
				return errors.Wrapf(ErrValueTooLarge, "key %d: %d > %d", op.Key, len(op.Value), s.opts.MaxValueLen)
			}
			stored, compBits := s.pack(op.Value)
			recs = append(recs, record{kind: kindNormal, key: op.Key, stored: stored, rawLen: len(op.Value), compBits: compBits})
		case OpDelete:
			recs = append(recs, record{kind: kindTombstone, key: op.Key})
		default:
			return errors.Errorf("unknown op kind %d", op.Kind)
		}
		spanWords += recs[len(recs)-1].words()
	}
	if spanWords > s.pageWords()-pageHeaderWords {
		return errors.Wrapf(ErrTooManyOps, "bracket of %d words cannot fit one page", spanWords)
	}

	// Project the live size after the transaction. Only the final op per
	// key matters; intermediate versions die during cleanup.
	final := make(map[uint16]int)
	for i, op := range ops {
		if op.Kind == OpPut {
			final[op.Key] = recs[i].words() * wordBytes
		} else {
			final[op.Key] = 0
		}
	}
	projected := s.totalLive()
	for key, add := range final {
		if old, ok := s.index[key]; ok {
			projected -= old.words * wordBytes
		}
		projected += add
	}
	if projected > s.usableBytes() {
		return errors.Wrap(ErrNoCapacity, "transaction does not fit")
	}

	if err := s.ensureRoom(spanWords, false); err != nil {
		return err
	}

	// Write the bracket. A failure in here leaves a dangling Prepare that
	// the next Init discards wholesale, so nothing becomes visible.
	prepareLoc, err := s.appendInOpen(record{kind: kindPrepare, key: markerKey})
	if err != nil {
		return err
	}
	locs := make([]location, len(recs))
	for i := range recs {
		if locs[i], err = s.appendInOpen(recs[i]); err != nil {
			return err
		}
	}
	commitLoc, err := s.appendInOpen(record{kind: kindCommit, key: markerKey})
	if err != nil {
		return err
	}

	// Committed. Cleanup order matters for recovery equivalence: retiring
	// the Prepare first turns the bracket into independently resolvable
	// leftovers (winning duplicates, live tombstones, a stray Commit).
	if err := s.deleteAt(prepareLoc); err != nil {
		return err
	}
	for i, op := range ops {
		switch op.Kind {
		case OpPut:
			if old, ok := s.index[op.Key]; ok && old != locs[i] {
				if err := s.deleteAt(old); err != nil {
					return err
				}
			}
			s.index[op.Key] = locs[i]
		case OpDelete:
			if old, ok := s.index[op.Key]; ok {
				if err := s.deleteAt(old); err != nil {
					return err
				}
				delete(s.index, op.Key)
			}
			if err := s.deleteAt(locs[i]); err != nil {
				return err
			}
		}
	}
	return s.deleteAt(commitLoc)
}

// scanRef pins one scanned entry together with its page view.
type scanRef struct {
	ps *pageScan
	e  *parsedEntry
}

// reconcile resolves everything a power loss can leave mid-flight, in an
// order that stays correct if reconciliation itself is interrupted:
//
//  1. Dangling brackets (Prepare without Commit) are discarded, span entries
//     first and the Prepare last, so a re-run still sees the bracket.
//  2. Completed brackets have their Prepare retired first; their inserts
//     then stand on their own and their tombstones become standalone.
//  3. Live tombstones are applied: every older committed entry for the key
//     is marked deleted, then the tombstone itself.
//  4. Stray Commit markers are retired last.
func (s *Store) reconcile(scans []*pageScan) error {
	var tombstones, commits []scanRef
	discarded := 0

	for _, ps := range scans {
		if ps.state != pageActive {
			continue
		}
		var openPrepare *parsedEntry
		var span []*parsedEntry

		discard := func() error {
			for _, e := range span {
				if err := s.dropEntry(ps, e); err != nil {
					return err
				}
			}
			if err := s.dropEntry(ps, openPrepare); err != nil {
				return err
			}
			discarded++
			openPrepare, span = nil, nil
			return nil
		}

		for i := range ps.entries {
			e := &ps.entries[i]
			if e.status != statusLive {
				continue
			}
			switch e.kind {
			case kindPrepare:
				if openPrepare != nil {
					// A second Prepare implies the first bracket never
					// committed.
					if err := discard(); err != nil {
						return err
					}
				}
				openPrepare = e
			case kindCommit:
				if openPrepare == nil {
					commits = append(commits, scanRef{ps, e})
					continue
				}
				// Complete bracket: retire the Prepare, let the span
				// entries resolve on their own.
				if err := s.dropEntry(ps, openPrepare); err != nil {
					return err
				}
				for _, se := range span {
					if se.kind == kindTombstone {
						tombstones = append(tombstones, scanRef{ps, se})
					}
				}
				commits = append(commits, scanRef{ps, e})
				openPrepare, span = nil, nil
			default:
				if openPrepare != nil {
					span = append(span, e)
				} else if e.kind == kindTombstone {
					// Standalone tombstone: a crash hit the cleanup phase
					// of a committed transaction.
					tombstones = append(tombstones, scanRef{ps, e})
				}
			}
		}
		if openPrepare != nil {
			if err := discard(); err != nil {
				return err
			}
		}
	}

	for _, t := range tombstones {
		if err := s.applyTombstone(scans, t.ps, t.e); err != nil {
			return err
		}
	}
	for _, c := range commits {
		if err := s.dropEntry(c.ps, c.e); err != nil {
			return err
		}
	}

	if discarded > 0 {
		log.WithField("brackets", discarded).Warn("discarded uncommitted transactions")
	}
	return nil
}

// applyTombstone deletes every committed entry the tombstone outranks, then
// the tombstone itself. Entries written after the tombstone's transaction
// cannot exist before its cleanup finished, but the precedence guard keeps a
// re-run from eating a newer value.
func (s *Store) applyTombstone(scans []*pageScan, tps *pageScan, t *parsedEntry) error {
	for _, ps := range scans {
		if ps.state != pageActive {
			continue
		}
		for i := range ps.entries {
			e := &ps.entries[i]
			if e.status != statusLive || e.kind != kindNormal || e.key != t.key {
				continue
			}
			if newer(tps.gen, t.off, ps.gen, e.off) {
				if err := s.dropEntry(ps, e); err != nil {
					return err
				}
			}
		}
	}
	return s.dropEntry(tps, t)
}
