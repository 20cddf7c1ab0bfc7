package fetchengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScratchPath_Payload(t *testing.T) {
	m := &Manifest{BundleID: bidWithByte(0xab)}
	path := scratchPath("/tmp/scratch", m, nil, "")
	assert.Equal(t, "/tmp/scratch/payload."+m.BundleID.String(), path)
}

func TestScratchPath_ManifestByPrefix(t *testing.T) {
	prefix := []byte{0x01, 0x02, 0x03}
	path := scratchPath("/tmp/scratch", nil, prefix, "")
	assert.Equal(t, "/tmp/scratch/manifest.010203", path)

	withDisambig := scratchPath("/tmp/scratch", nil, prefix, "aabbccdd")
	assert.Equal(t, "/tmp/scratch/manifest.010203.aabbccdd", withDisambig)
}

func TestSlot_FreeAndReset(t *testing.T) {
	s := newSlot(2)
	assert.True(t, s.free())

	s.state = slotRxStream
	s.manifest = &Manifest{BundleID: bidWithByte(1)}
	s.path = "/tmp/x"
	s.written = 42
	s.isManifestFetch = true
	s.prefix = []byte{1, 2}
	gen := s.generation

	s.reset()

	assert.True(t, s.free())
	assert.Nil(t, s.manifest)
	assert.Equal(t, "", s.path)
	assert.EqualValues(t, 0, s.written)
	assert.False(t, s.isManifestFetch)
	assert.Nil(t, s.prefix)
	assert.Equal(t, 2, s.tierIndex)
	assert.Greater(t, s.generation, gen)
}
