package flashkv

import "github.com/pkg/errors"

var (
	// ErrNotInitialized is returned by store operations before a successful
	// Init or Format.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrFormatMismatch is returned by Init when the flash content is not a
	// recognizable store image, or was written with a different geometry or
	// key/value limits. First use of blank flash requires Format.
	ErrFormatMismatch = errors.New("on-flash format mismatch")

	// ErrNoCapacity is returned when a write cannot succeed even after
	// compaction: either the live data would exceed the usable capacity or
	// the erase-cycle budget is exhausted.
	ErrNoCapacity = errors.New("store out of capacity")

	// ErrPageFull signals that an entry does not fit in the remaining free
	// words of a page. It is handled internally by compact-and-retry and is
	// never surfaced through the public API.
	ErrPageFull = errors.New("page full")

	// ErrTooManyOps is returned by Transaction when the operation list
	// exceeds the configured budget or cannot fit one page.
	ErrTooManyOps = errors.New("transaction exceeds op budget")

	// ErrCorruptEntry is returned when an entry fails its checksum or flag
	// consistency check outside the tolerated torn-write locations.
	ErrCorruptEntry = errors.New("corrupt entry")

	// ErrKeyOutOfRange is returned for keys above Options.MaxKey.
	ErrKeyOutOfRange = errors.New("key out of configured range")

	// ErrValueTooLarge is returned for payloads above Options.MaxValueLen.
	ErrValueTooLarge = errors.New("value exceeds configured maximum")

	// Medium-level errors, propagated unchanged through the store.

	// ErrWriteOutOfBounds is returned by a Medium for accesses outside the
	// configured geometry or not aligned to word granularity.
	ErrWriteOutOfBounds = errors.New("write out of bounds")

	// ErrAlreadyProgrammed is returned by a Medium when a write would flip a
	// programmed bit back to its erased value. Only an erase can do that.
	ErrAlreadyProgrammed = errors.New("bit already programmed")

	// ErrEraseLimitExceeded is returned by a Medium when a page has reached
	// its rated erase-cycle endurance.
	ErrEraseLimitExceeded = errors.New("erase cycle limit exceeded")

	// ErrInterrupted is returned by a simulated Medium after an injected
	// power loss. Every subsequent call fails until Revive.
	ErrInterrupted = errors.New("medium interrupted by simulated power loss")

	// ErrLockedByOther is returned when a flash image file is already locked
	// for writing by another process.
	ErrLockedByOther = errors.New("image opened with write mode by another process")

	// ErrReadOnly is returned for mutations on a read-only FileMedium.
	ErrReadOnly = errors.New("medium is read-only")
)
