package qnet

// scheduler.go holds structs, methods and data structures that support
// allocation of communication qubit slots, a limited per-node resource,
// to the link layers that compete for them.  Hosts have a single slot;
// swap-capable nodes have one per facing quantum port, with startup and
// post-discard contention settled here.

import (
	"container/heap"
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// A slotRequest describes one claim on a qubit slot
type slotRequest struct {
	asked     float64 // when the claim was made
	seq       int     // breaks ties, keeping grants first-come first-serve
	context   any
	data      any                       // returned to the claimant with the grant
	grantFunc evtm.EventHandlerFunction // call when a slot is granted
}

// unique sequence number for each claim
var nxtSlotSeq int = 0

// createSlotRequest is a constructor
func createSlotRequest(asked float64, context any, data any, grant evtm.EventHandlerFunction) *slotRequest {
	nxtSlotSeq += 1
	return &slotRequest{asked: asked, seq: nxtSlotSeq, context: context, data: data, grantFunc: grant}
}

// slotReqHeap and its methods implement a min-priority heap
// on the (request time, sequence) order of slot claims
type slotReqHeap []*slotRequest

func (h slotReqHeap) Len() int { return len(h) }
func (h slotReqHeap) Less(i, j int) bool {
	if h[i].asked != h[j].asked {
		return h[i].asked < h[j].asked
	}
	return h[i].seq < h[j].seq
}
func (h slotReqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *slotReqHeap) Push(x any) {
	*h = append(*h, x.(*slotRequest))
}

func (h *slotReqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// A qubitScheduler governs the qubit slots of one node
type qubitScheduler struct {
	name    string
	slots   int // number of communication qubit slots
	inUse   int
	waiting slotReqHeap
}

// createQubitScheduler is a constructor
func createQubitScheduler(name string, slots int) *qubitScheduler {
	qs := new(qubitScheduler)
	qs.name = name
	qs.slots = slots
	qs.waiting = []*slotRequest{}
	heap.Init(&qs.waiting)
	return qs
}

// waitSlot claims a qubit slot.  A free slot is granted through a
// zero-delay event; otherwise the claim waits for a release.
func (qs *qubitScheduler) waitSlot(evtMgr *evtm.EventManager, context any, data any, grant evtm.EventHandlerFunction) {
	req := createSlotRequest(evtMgr.CurrentSeconds(), context, data, grant)
	if qs.inUse < qs.slots {
		qs.inUse += 1
		evtMgr.Schedule(req.context, req.data, req.grantFunc, vrtime.SecondsToTime(0.0))
		return
	}
	heap.Push(&qs.waiting, req)
}

// freeSlot releases a slot, re-granting it to the earliest waiting claim
func (qs *qubitScheduler) freeSlot(evtMgr *evtm.EventManager) {
	if qs.inUse == 0 {
		panic(fmt.Errorf("%s freed a qubit slot it does not hold", qs.name))
	}
	qs.inUse -= 1
	if qs.waiting.Len() == 0 {
		return
	}
	req := heap.Pop(&qs.waiting).(*slotRequest)
	qs.inUse += 1
	evtMgr.Schedule(req.context, req.data, req.grantFunc, vrtime.SecondsToTime(0.0))
}

// free reports the number of unclaimed slots
func (qs *qubitScheduler) free() int {
	return qs.slots - qs.inUse
}
