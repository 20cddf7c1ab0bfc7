// Package fetchengine implements the bundle payload fetch engine: a
// size-tiered scheduler and dual-transport (stream + datagram) state
// machine that retrieves bundle payloads advertised by mesh peers while
// bounding resource consumption across many concurrent candidates.
package fetchengine

import (
	"encoding/hex"
	"errors"
)

// BIDSize is the length in bytes of a bundle ID (a public key).
const BIDSize = 32

// SIDSize is the length in bytes of a mesh node's subscriber identity.
const SIDSize = 32

// BID identifies a bundle across all of its versions.
type BID [BIDSize]byte

// String renders the BID as lowercase hex, as used in the stream transport's
// request paths and scratch-file names.
func (b BID) String() string {
	return hex.EncodeToString(b[:])
}

// SID identifies a mesh node.
type SID [SIDSize]byte

func (s SID) String() string {
	return hex.EncodeToString(s[:])
}

// StreamAddr is a peer's direct IPv4 stream-transport address.
type StreamAddr struct {
	IP   [4]byte
	Port uint16
}

// Zero reports whether the address is unset, meaning the candidate has no
// stream transport option and fetches must go straight to the datagram
// transport.
func (a StreamAddr) Zero() bool {
	return a.Port == 0 && a.IP == [4]byte{}
}

// Manifest is the subset of a bundle manifest's attributes the fetch engine
// reads. Parsing, signing and cryptographic verification belong to the
// manifest parser/verifier named out of scope in the spec; the engine only
// ever calls the Verify closure it was handed.
type Manifest struct {
	BundleID      BID
	Version       uint64
	PayloadLength int64
	PayloadHash   string // hex, content address of the payload file
	SelfSigned    bool
	TTL           int64

	// Verify performs the (expensive) signature/structure check. It is
	// supplied by the manifest parser/verifier collaborator; a nil Verify is
	// treated as already verified.
	Verify func() error
}

// ErrMissingPayloadHash is returned when a manifest with a non-zero payload
// length has no payload hash to fetch against.
var ErrMissingPayloadHash = errors.New("fetchengine: manifest missing payload_hash")

// verify runs m.Verify if present, treating a nil closure as already-verified.
// suggestQueue calls it through ensureVerified, which records a success so a
// manifest is verified at most once per call.
func (m *Manifest) verify() error {
	if m.Verify == nil {
		return nil
	}
	return m.Verify()
}
