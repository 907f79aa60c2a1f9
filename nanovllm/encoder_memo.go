package nanovllm

import (
	"encoding/binary"
	"log/slog"
	"slices"

	"github.com/cespare/xxhash/v2"

	"nano-attn-go/purego/tensor"
)

// MemoEntry holds the encoder output of one source
type MemoEntry struct {
	SlotID    int
	RefCount  int
	Hash      uint64
	SourceIDs []int
	Output    *tensor.EncoderOutput
}

// NewMemoEntry creates an empty slot
func NewMemoEntry(slotID int) *MemoEntry {
	return &MemoEntry{
		SlotID:    slotID,
		RefCount:  0,
		Hash:      0,
		SourceIDs: nil,
	}
}

// Update records which source the slot holds
func (e *MemoEntry) Update(hash uint64, sourceIDs []int) {
	e.Hash = hash
	e.SourceIDs = make([]int, len(sourceIDs))
	copy(e.SourceIDs, sourceIDs)
}

// Reset resets the slot for reuse
func (e *MemoEntry) Reset() {
	e.RefCount = 1
	e.Hash = 0
	e.SourceIDs = nil
	e.Output = nil
}

// EncoderMemo keeps a fixed number of encoder outputs so that sequences with
// the same source share one read-only encoding. Released slots keep their
// output until the slot is reused, so a later identical source still hits.
//
// EncoderMemo is not safe for concurrent use; the scheduler owns it.
type EncoderMemo struct {
	entries    []*MemoEntry
	hashToSlot map[uint64]int
	freeSlots  []int
	usedSlots  map[int]bool
}

// NewEncoderMemo creates a memo with numSlots entries
func NewEncoderMemo(numSlots int) *EncoderMemo {
	entries := make([]*MemoEntry, numSlots)
	for i := 0; i < numSlots; i++ {
		entries[i] = NewMemoEntry(i)
	}

	freeSlots := make([]int, numSlots)
	for i := 0; i < numSlots; i++ {
		freeSlots[i] = i
	}

	return &EncoderMemo{
		entries:    entries,
		hashToSlot: make(map[uint64]int),
		freeSlots:  freeSlots,
		usedSlots:  make(map[int]bool),
	}
}

// ComputeHash hashes source token IDs
func (m *EncoderMemo) ComputeHash(tokenIDs []int) uint64 {
	h := xxhash.New()
	buf := make([]byte, 4)
	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf, uint32(tokenID))
		h.Write(buf)
	}
	return h.Sum64()
}

// lookup returns the slot holding exactly sourceIDs, or -1
func (m *EncoderMemo) lookup(sourceIDs []int) (int, uint64) {
	h := m.ComputeHash(sourceIDs)
	slotID, ok := m.hashToSlot[h]
	if !ok || !slices.Equal(m.entries[slotID].SourceIDs, sourceIDs) {
		return -1, h
	}
	return slotID, h
}

// takeSlot removes slotID from the free list and marks it used
func (m *EncoderMemo) takeSlot(slotID int) *MemoEntry {
	entry := m.entries[slotID]
	if entry.RefCount != 0 {
		panic("memo slot is already allocated")
	}

	for i, id := range m.freeSlots {
		if id == slotID {
			m.freeSlots = append(m.freeSlots[:i], m.freeSlots[i+1:]...)
			break
		}
	}

	m.usedSlots[slotID] = true
	entry.RefCount = 1
	return entry
}

// CanAllocate reports whether seq can get an encoder output
func (m *EncoderMemo) CanAllocate(seq *Sequence) bool {
	if slotID, _ := m.lookup(seq.SourceIDs); slotID != -1 {
		return true
	}
	return len(m.freeSlots) > 0
}

// Allocate attaches seq to a memo slot. It returns true when the slot already
// holds (or is about to hold) the encoding of seq's source.
func (m *EncoderMemo) Allocate(seq *Sequence) bool {
	if seq.MemoSlot != -1 {
		panic("sequence already holds a memo slot")
	}

	slotID, h := m.lookup(seq.SourceIDs)
	if slotID != -1 {
		if m.usedSlots[slotID] {
			m.entries[slotID].RefCount++
		} else {
			m.takeSlot(slotID)
		}
		seq.MemoSlot = slotID
		slog.Debug("encoder memo hit", "seq", seq.SeqID, "slot", slotID)
		return true
	}

	// Prefer a slot that never held anything, then the oldest released one
	slotID = m.freeSlots[0]
	entry := m.entries[slotID]
	if owner, ok := m.hashToSlot[entry.Hash]; ok && owner == slotID {
		delete(m.hashToSlot, entry.Hash)
	}
	m.takeSlot(slotID)
	entry.Reset()
	entry.Update(h, seq.SourceIDs)
	m.hashToSlot[h] = slotID
	seq.MemoSlot = slotID
	return false
}

// Entry returns the slot a sequence is attached to
func (m *EncoderMemo) Entry(seq *Sequence) *MemoEntry {
	if seq.MemoSlot < 0 {
		return nil
	}
	return m.entries[seq.MemoSlot]
}

// Release detaches seq from its slot. The encoder output stays cached.
func (m *EncoderMemo) Release(seq *Sequence) {
	if seq.MemoSlot < 0 {
		return
	}
	entry := m.entries[seq.MemoSlot]
	entry.RefCount--
	if entry.RefCount == 0 {
		delete(m.usedSlots, entry.SlotID)
		if entry.Output == nil {
			// never filled; forget the source so it is not reported as a hit
			if owner, ok := m.hashToSlot[entry.Hash]; ok && owner == entry.SlotID {
				delete(m.hashToSlot, entry.Hash)
			}
			entry.Hash = 0
			entry.SourceIDs = nil
		}
		m.freeSlots = append(m.freeSlots, entry.SlotID)
	}
	seq.MemoSlot = -1
	seq.Encoder = nil
}

// NumFree returns the number of slots not referenced by any sequence
func (m *EncoderMemo) NumFree() int {
	return len(m.freeSlots)
}
