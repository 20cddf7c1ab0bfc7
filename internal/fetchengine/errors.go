package fetchengine

import "errors"

// FetchOutcome is the discriminated result of tryStartFetch. Modelling it
// as an enum rather than a plain error lets the type system carry the
// spec's ownership contract: the manifest moves into the slot iff the
// outcome is Started, and the caller keeps ownership for every other
// outcome (see DESIGN.md, spec.md §4.C).
type FetchOutcome int

const (
	// Started means the stream dial was initiated and the slot now owns
	// the manifest.
	Started FetchOutcome = iota
	// Imported means the manifest was imported directly: payload_length
	// was zero, or the payload was already present locally.
	Imported
	// Superseded means the version cache/store already has this BID at
	// this version or newer.
	Superseded
	// SameBundle means another active slot already holds this exact BID
	// and version.
	SameBundle
	// OlderBundle means another active slot holds an older version of
	// this BID; leave the candidate queued so it is retried once that
	// older fetch finishes, rather than being starved by it.
	OlderBundle
	// NewerBundle means another active slot already holds a newer
	// version of this BID; the candidate is stale and should be dropped.
	NewerBundle
	// SamePayload means another active slot is already fetching this
	// payload hash under a different BID.
	SamePayload
	// SlotBusy means the slot passed to tryStartFetch was not FREE.
	SlotBusy
)

func (o FetchOutcome) String() string {
	switch o {
	case Started:
		return "STARTED"
	case Imported:
		return "IMPORTED"
	case Superseded:
		return "SUPERSEDED"
	case SameBundle:
		return "SAMEBUNDLE"
	case OlderBundle:
		return "OLDERBUNDLE"
	case NewerBundle:
		return "NEWERBUNDLE"
	case SamePayload:
		return "SAMEPAYLOAD"
	case SlotBusy:
		return "SLOTBUSY"
	default:
		return "UNKNOWN"
	}
}

// OwnsManifest reports whether tryStartFetch transferred manifest ownership
// to the slot for this outcome.
func (o FetchOutcome) OwnsManifest() bool {
	return o == Started
}

// QueueOutcome is the result of SuggestQueueManifestImport.
type QueueOutcome int

const (
	Queued QueueOutcome = iota
	ImportedDirect
	Rejected
)

func (o QueueOutcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case ImportedDirect:
		return "imported"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	errTerminated      = errors.New("fetchengine: engine terminated")
	errSlotBusy        = errors.New("fetchengine: slot not free")
	errNoFreeSlot      = errors.New("fetchengine: no free slot available")
	errScratchDir      = errors.New("fetchengine: could not prepare scratch directory")
	errScratchFile     = errors.New("fetchengine: could not open scratch file")
	errTierUnavailable = errors.New("fetchengine: no tier accepts this payload length")
	errIgnoredManifest = errors.New("fetchengine: bundle id is in the ignore cache")
)
