package webrtc

import (
	"github.com/clubhouse/callengine/internal/domain"

	"github.com/gammazero/deque"
)

// CandidateQueue holds remote candidates that arrived before the remote
// description of their generation was applied. Entries keep arrival order.
type CandidateQueue struct {
	q deque.Deque[domain.ICECandidate]
}

// Push appends a candidate.
func (c *CandidateQueue) Push(cand domain.ICECandidate) {
	c.q.PushBack(cand)
}

// Len returns the number of queued candidates.
func (c *CandidateQueue) Len() int {
	return c.q.Len()
}

// Drain removes and returns, in arrival order, every candidate of generation
// gen. Older generations are discarded; newer ones stay queued.
func (c *CandidateQueue) Drain(gen uint32) (ready []domain.ICECandidate, dropped int) {
	keep := c.q.Len()
	for i := 0; i < keep; i++ {
		cand := c.q.PopFront()
		switch {
		case cand.Generation == gen:
			ready = append(ready, cand)
		case cand.Generation < gen:
			dropped++
		default:
			c.q.PushBack(cand)
		}
	}
	return ready, dropped
}

// Reset discards every candidate older than gen. It is called whenever the
// handle is recreated so that no candidate of an earlier attempt is replayed.
func (c *CandidateQueue) Reset(gen uint32) (dropped int) {
	keep := c.q.Len()
	for i := 0; i < keep; i++ {
		cand := c.q.PopFront()
		if cand.Generation < gen {
			dropped++
			continue
		}
		c.q.PushBack(cand)
	}
	return dropped
}

// Clear empties the queue.
func (c *CandidateQueue) Clear() {
	c.q.Clear()
}
