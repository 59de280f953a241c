package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/protocol"
)

func TestManifestSeedsPendingStates(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 1), file("b", 2))

	snap := h.snapshot()
	require.Len(t, snap.Files, 2)
	assert.Len(t, snap.States, 2)
	assert.Equal(t, TransferPending, snap.States["a"].Status)
	assert.Equal(t, TransferPending, snap.States["b"].Status)
	assert.False(t, snap.Locked)

	entry, ok := snap.File("b")
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.Size)
}

func TestManifestPreservesExistingStates(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 2), file("b", 2))
	h.startFile("a", 2)
	h.chunk([]byte("ok"))
	require.Equal(t, TransferCompleted, h.state("a").Status)

	h.manifest(file("a", 2), file("b", 2), file("c", 3))

	snap := h.snapshot()
	assert.Equal(t, TransferCompleted, snap.States["a"].Status)
	assert.Equal(t, TransferPending, snap.States["b"].Status)
	assert.Equal(t, TransferPending, snap.States["c"].Status)
	assert.Len(t, snap.Files, 3)
}

func TestManifestDropsInvalidAndDuplicateEntries(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(
		file("a", 1),
		protocol.FileMeta{ID: "", Name: "nameless", Size: 1},
		protocol.FileMeta{ID: "neg", Name: "neg", Size: -5},
		protocol.FileMeta{ID: "a", Name: "dup", Size: 9},
	)

	snap := h.snapshot()
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "a.bin", snap.Files[0].Name)
	assert.Len(t, snap.States, 1)
}

func TestLockedManifestRaisesGate(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.control(protocol.Manifest{Type: protocol.TypeManifest, Locked: true})

	snap := h.snapshot()
	assert.True(t, snap.Locked)
	assert.Empty(t, snap.Files)
	assert.Empty(t, snap.States)
}

func TestLockedManifestKeepsKnownFiles(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 1))
	h.control(protocol.Manifest{Type: protocol.TypeManifest, Locked: true})

	snap := h.snapshot()
	assert.True(t, snap.Locked)
	assert.Len(t, snap.Files, 1)
}

func TestEmptyUnlockedManifestClearsFileList(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.manifest(file("a", 1))
	h.control(map[string]any{"type": "MANIFEST", "files": []any{}})

	snap := h.snapshot()
	assert.Empty(t, snap.Files)
	assert.Contains(t, snap.States, "a", "states survive re-manifests")
}
