package fetchengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func bidWithByte(b byte) BID {
	var bid BID
	bid[0] = b
	return bid
}

func TestTier_AcceptsBound(t *testing.T) {
	bounded := newTier(TierSpec{Bound: 1000, Capacity: 2}, 0)
	assert.True(t, bounded.accepts(999))
	assert.False(t, bounded.accepts(1000))
	assert.False(t, bounded.accepts(1001))

	unbounded := newTier(TierSpec{Bound: -1, Capacity: 1}, 4)
	assert.True(t, unbounded.accepts(1))
	assert.True(t, unbounded.accepts(1 << 40))
}

func TestTier_InsertAtAndLen(t *testing.T) {
	tr := newTier(TierSpec{Bound: -1, Capacity: 3}, 0)
	assert.Equal(t, 0, tr.len())

	ci := tr.insertionIndex(defaultPriority)
	assert.Equal(t, 0, ci)
	tr.insertAt(ci, candidate{manifest: &Manifest{BundleID: bidWithByte(1)}, priority: defaultPriority})
	assert.Equal(t, 1, tr.len())

	ci = tr.insertionIndex(defaultPriority)
	assert.Equal(t, 1, ci)
	tr.insertAt(ci, candidate{manifest: &Manifest{BundleID: bidWithByte(2)}, priority: defaultPriority})
	assert.Equal(t, 2, tr.len())
}

func TestTier_InsertAtOrdersByPriority(t *testing.T) {
	tr := newTier(TierSpec{Bound: -1, Capacity: 3}, 0)
	tr.insertAt(0, candidate{manifest: &Manifest{BundleID: bidWithByte(1)}, priority: 100})

	// A higher-priority (lower importance value) candidate inserts before
	// the existing one.
	ci := tr.insertionIndex(50)
	assert.Equal(t, 0, ci)
	tr.insertAt(ci, candidate{manifest: &Manifest{BundleID: bidWithByte(2)}, priority: 50})

	assert.Equal(t, bidWithByte(2), tr.candidates[0].manifest.BundleID)
	assert.Equal(t, bidWithByte(1), tr.candidates[1].manifest.BundleID)
}

func TestTier_InsertionIndexFullAtHigherPriority(t *testing.T) {
	tr := newTier(TierSpec{Bound: -1, Capacity: 1}, 0)
	tr.insertAt(0, candidate{manifest: &Manifest{BundleID: bidWithByte(1)}, priority: 10})

	ci := tr.insertionIndex(100)
	assert.Equal(t, -1, ci)
}

func TestTier_FindBIDAndRemoveAt(t *testing.T) {
	tr := newTier(TierSpec{Bound: -1, Capacity: 3}, 0)
	tr.insertAt(0, candidate{manifest: &Manifest{BundleID: bidWithByte(1)}, priority: defaultPriority})
	tr.insertAt(1, candidate{manifest: &Manifest{BundleID: bidWithByte(2)}, priority: defaultPriority})

	idx := tr.findBID(bidWithByte(2))
	assert.Equal(t, 1, idx)
	assert.Equal(t, -1, tr.findBID(bidWithByte(9)))

	tr.removeAt(0)
	assert.Equal(t, 1, tr.len())
	assert.Equal(t, bidWithByte(2), tr.candidates[0].manifest.BundleID)
}
