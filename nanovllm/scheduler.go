package nanovllm

import (
	"container/list"
	"log/slog"
)

// Scheduler decides which sequences run in the next step. New sequences are
// admitted in prefill steps; otherwise every running sequence decodes one
// token. Decoder caches count against MaxCacheTokens and the youngest running
// sequences are preempted (cache dropped, recomputed later) when it runs out.
type Scheduler struct {
	maxNumSeqs     int
	maxCacheTokens int
	maxModelLen    int
	eos            int
	memo           *EncoderMemo
	cacheTokens    int
	waiting        *list.List
	running        *list.List
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		maxNumSeqs:     config.MaxNumSeqs,
		maxCacheTokens: config.MaxCacheTokens,
		maxModelLen:    config.MaxModelLen,
		eos:            config.EOS,
		memo:           NewEncoderMemo(config.EncoderMemoSize),
		waiting:        list.New(),
		running:        list.New(),
	}
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// Memo exposes the encoder memo so the engine can fill new entries
func (s *Scheduler) Memo() *EncoderMemo {
	return s.memo
}

// CacheTokens returns the decoder positions currently reserved
func (s *Scheduler) CacheTokens() int {
	return s.cacheTokens
}

// Schedule schedules sequences for the next step
// Returns the scheduled sequences and whether this is a prefill step
func (s *Scheduler) Schedule() ([]*Sequence, bool) {
	// Try prefill first
	scheduledSeqs := make([]*Sequence, 0)

	for s.waiting.Len() > 0 && s.running.Len() < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if s.cacheTokens+seq.Len() > s.maxCacheTokens || !s.memo.CanAllocate(seq) {
			break
		}

		s.memo.Allocate(seq)
		seq.reserved = seq.Len()
		s.cacheTokens += seq.reserved
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduledSeqs = append(scheduledSeqs, seq)
		slog.Debug("admitted sequence", "seq", seq.SeqID, "slot", seq.MemoSlot, "tokens", seq.Len())
	}

	if len(scheduledSeqs) > 0 {
		return scheduledSeqs, true
	}

	// Decode phase
	for s.running.Len() > 0 {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		// Check if we can append
		for s.cacheTokens+1 > s.maxCacheTokens {
			if s.running.Len() > 0 {
				// Preempt from the back
				lastElem := s.running.Back()
				lastSeq := lastElem.Value.(*Sequence)
				s.running.Remove(lastElem)
				s.preempt(lastSeq)
			} else {
				// Preempt current sequence
				s.preempt(seq)
				break
			}
		}

		// If not preempted, schedule it
		if seq.Status == StatusRunning {
			seq.reserved++
			s.cacheTokens++
			scheduledSeqs = append(scheduledSeqs, seq)
		}
	}

	// Put scheduled sequences back at the front of running queue
	for i := len(scheduledSeqs) - 1; i >= 0; i-- {
		s.running.PushFront(scheduledSeqs[i])
	}

	return scheduledSeqs, false
}

// release returns the resources a sequence holds
func (s *Scheduler) release(seq *Sequence) {
	s.cacheTokens -= seq.reserved
	seq.reserved = 0
	s.memo.Release(seq)
	seq.dropCache()
}

// preempt preempts a sequence; its cache is recomputed on readmission
func (s *Scheduler) preempt(seq *Sequence) {
	slog.Debug("preempted sequence", "seq", seq.SeqID, "tokens", seq.Len())
	seq.Status = StatusWaiting
	s.release(seq)
	s.waiting.PushFront(seq)
}

// Abort drops every queued and running sequence, releasing their caches
func (s *Scheduler) Abort() {
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		seq := elem.Value.(*Sequence)
		s.release(seq)
		seq.Status = StatusFinished
	}
	for elem := s.waiting.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*Sequence).Status = StatusFinished
	}
	s.running.Init()
	s.waiting.Init()
}

// Postprocess processes the output tokens from model execution
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		// Check if sequence is finished
		if (!seq.IgnoreEOS && tokenID == s.eos) || seq.NumCompletionTokens() == seq.MaxTokens || seq.Len() >= s.maxModelLen {
			seq.Status = StatusFinished
			s.release(seq)
			// Remove from running list
			for elem := s.running.Front(); elem != nil; elem = elem.Next() {
				if elem.Value.(*Sequence).SeqID == seq.SeqID {
					s.running.Remove(elem)
					break
				}
			}
		}
	}
}
