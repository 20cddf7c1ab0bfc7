package fetchengine

// Store is the read-only view onto the bundle database the fetch engine
// consults. Both queries are named explicitly in the spec's external
// interfaces; nothing else about the database is visible to the engine.
//
// Shaped as a small interface rather than threading a *sql.DB through every
// component, mirroring the teacher's HeaderRetrievalFn/chainHeightFn style
// of injecting exactly the collaborator calls a component needs.
type Store interface {
	// Version returns the highest version of bid currently stored locally,
	// and whether any version is stored at all.
	Version(bid BID) (version uint64, found bool)

	// HasValidPayload reports whether a payload with this hash is already
	// present and marked valid (SELECT COUNT(*) FROM files WHERE id = ? AND
	// datavalid = 1 in the spec's terms).
	HasValidPayload(payloadHash string) bool
}

// Importer hands a completed scratch file (or, for payload_length==0
// manifests, a manifest with no payload at all) to the rest of the system
// for final ingestion into the bundle store.
type Importer interface {
	// ImportManifestOnly imports a manifest that has no payload to fetch.
	ImportManifestOnly(m *Manifest) error

	// ImportPayload imports a manifest together with the payload bytes
	// written to path. The importer takes ownership of the file at path on
	// success; the engine unlinks it on any other outcome.
	ImportPayload(m *Manifest, path string) error

	// ImportManifestBytes is used by the manifest-by-prefix path: the
	// fetched bytes are not yet a parsed Manifest, so the importer (which
	// owns the parser) is handed the raw bytes and re-submits the result
	// through SuggestQueue itself if it turns out to need a payload.
	ImportManifestBytes(prefix []byte, data []byte) error
}
