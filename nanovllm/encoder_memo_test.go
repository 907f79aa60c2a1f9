package nanovllm

import (
	"testing"

	"nano-attn-go/purego/tensor"
)

func TestEncoderMemoCreation(t *testing.T) {
	memo := NewEncoderMemo(4)

	if len(memo.entries) != 4 {
		t.Errorf("Expected 4 slots, got %d", len(memo.entries))
	}

	if memo.NumFree() != 4 {
		t.Errorf("Expected 4 free slots, got %d", memo.NumFree())
	}
}

func TestEncoderMemoAllocate(t *testing.T) {
	memo := NewEncoderMemo(4)
	seq := NewSequence([]int{5, 6, 7}, BOSTokenID, NewSamplingParams())

	if !memo.CanAllocate(seq) {
		t.Errorf("Should be able to allocate sequence")
	}

	if hit := memo.Allocate(seq); hit {
		t.Errorf("First allocation should be a miss")
	}

	if seq.MemoSlot != 0 {
		t.Errorf("Expected slot 0, got %d", seq.MemoSlot)
	}

	if memo.NumFree() != 3 {
		t.Errorf("Expected 3 free slots after allocation, got %d", memo.NumFree())
	}
}

func TestEncoderMemoSharing(t *testing.T) {
	memo := NewEncoderMemo(4)
	sp := NewSamplingParams()

	seq1 := NewSequence([]int{5, 6, 7}, BOSTokenID, sp)
	seq2 := NewSequence([]int{5, 6, 7}, BOSTokenID, sp)

	memo.Allocate(seq1)
	memo.Entry(seq1).Output = &tensor.EncoderOutput{}

	if hit := memo.Allocate(seq2); !hit {
		t.Errorf("Identical source should hit the memo")
	}

	if seq1.MemoSlot != seq2.MemoSlot {
		t.Errorf("Expected shared slot, got %d and %d", seq1.MemoSlot, seq2.MemoSlot)
	}

	if memo.Entry(seq1).RefCount != 2 {
		t.Errorf("Expected ref count 2, got %d", memo.Entry(seq1).RefCount)
	}

	if memo.NumFree() != 3 {
		t.Errorf("Sharing should not use a second slot, %d free", memo.NumFree())
	}
}

func TestEncoderMemoRelease(t *testing.T) {
	memo := NewEncoderMemo(1)
	sp := NewSamplingParams()

	seq1 := NewSequence([]int{5, 6, 7}, BOSTokenID, sp)
	memo.Allocate(seq1)
	out := &tensor.EncoderOutput{}
	memo.Entry(seq1).Output = out

	other := NewSequence([]int{8}, BOSTokenID, sp)
	if memo.CanAllocate(other) {
		t.Errorf("Full memo should refuse a new source")
	}

	memo.Release(seq1)
	if seq1.MemoSlot != -1 {
		t.Errorf("Expected released sequence to have no slot")
	}
	if memo.NumFree() != 1 {
		t.Errorf("Expected 1 free slot after release, got %d", memo.NumFree())
	}

	// the released output is still found
	seq2 := NewSequence([]int{5, 6, 7}, BOSTokenID, sp)
	if hit := memo.Allocate(seq2); !hit {
		t.Errorf("Released entry should still be cached")
	}
	if memo.Entry(seq2).Output != out {
		t.Errorf("Expected cached encoder output to be reused")
	}
	memo.Release(seq2)

	// reusing the slot evicts the old source
	memo.Allocate(other)
	seq3 := NewSequence([]int{5, 6, 7}, BOSTokenID, sp)
	if memo.CanAllocate(seq3) {
		t.Errorf("Evicted source should not be found")
	}
}

func TestEncoderMemoReleaseUnfilled(t *testing.T) {
	memo := NewEncoderMemo(2)
	sp := NewSamplingParams()

	seq1 := NewSequence([]int{9, 9}, BOSTokenID, sp)
	memo.Allocate(seq1)
	memo.Release(seq1)

	seq2 := NewSequence([]int{9, 9}, BOSTokenID, sp)
	if hit := memo.Allocate(seq2); hit {
		t.Errorf("Slot released before encoding must not report a hit")
	}
}

func TestEncoderMemoComputeHash(t *testing.T) {
	memo := NewEncoderMemo(1)

	tokenIDs := []int{1, 2, 3, 4, 5}
	hash1 := memo.ComputeHash(tokenIDs)
	hash2 := memo.ComputeHash(tokenIDs)

	if hash1 != hash2 {
		t.Errorf("Hash should be deterministic")
	}

	hash3 := memo.ComputeHash([]int{1, 2, 3, 4, 6})

	if hash1 == hash3 {
		t.Errorf("Different token IDs should produce different hashes")
	}
}
