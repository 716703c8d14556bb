package qnet

// scheduler_test.go exercises qubit slot allocation: immediate grants,
// first-come first-serve queueing across releases, and the accounting
// panics.

import (
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// TestSlotGrantOrder claims four slots of a two slot scheduler and
// releases two mid-run.  Queued claims must be granted first-come
// first-serve as slots come back.
func TestSlotGrantOrder(t *testing.T) {
	evtMgr := evtm.New()
	qs := createQubitScheduler("bench", 2)

	granted := []int{}
	grab := func(evtMgr *evtm.EventManager, context any, data any) any {
		granted = append(granted, data.(int))
		return nil
	}
	release := func(evtMgr *evtm.EventManager, context any, data any) any {
		qs.freeSlot(evtMgr)
		return nil
	}

	qs.waitSlot(evtMgr, nil, 1, grab)
	qs.waitSlot(evtMgr, nil, 2, grab)
	qs.waitSlot(evtMgr, nil, 3, grab)
	qs.waitSlot(evtMgr, nil, 4, grab)
	if qs.free() != 0 {
		t.Errorf("%d slots free with four claims outstanding, want 0", qs.free())
	}
	if qs.waiting.Len() != 2 {
		t.Errorf("%d claims waiting, want 2", qs.waiting.Len())
	}

	evtMgr.Schedule(nil, nil, release, vrtime.SecondsToTime(1.0))
	evtMgr.Schedule(nil, nil, release, vrtime.SecondsToTime(2.0))
	evtMgr.Run(3.0)

	if len(granted) != 4 {
		t.Fatalf("granted %v, want four grants", granted)
	}
	// claims 1 and 2 are granted together at time zero, in either order
	if granted[0]+granted[1] != 3 {
		t.Errorf("immediate grants %v, want claims 1 and 2", granted[:2])
	}
	if granted[2] != 3 || granted[3] != 4 {
		t.Errorf("queued grants %v, want claims 3 then 4", granted[2:])
	}
	if qs.free() != 0 || qs.waiting.Len() != 0 {
		t.Errorf("scheduler ends with %d free and %d waiting, want 0 and 0",
			qs.free(), qs.waiting.Len())
	}
}

// TestSlotReleaseRestoresPool checks free slots come back when no claim
// waits.
func TestSlotReleaseRestoresPool(t *testing.T) {
	evtMgr := evtm.New()
	qs := createQubitScheduler("bench", 2)

	grab := func(evtMgr *evtm.EventManager, context any, data any) any { return nil }
	qs.waitSlot(evtMgr, nil, 1, grab)
	if qs.free() != 1 {
		t.Errorf("%d slots free after one claim, want 1", qs.free())
	}
	qs.freeSlot(evtMgr)
	if qs.free() != 2 {
		t.Errorf("%d slots free after release, want 2", qs.free())
	}
}

// TestFreeUnheldSlotPanics covers the release accounting panic.
func TestFreeUnheldSlotPanics(t *testing.T) {
	evtMgr := evtm.New()
	qs := createQubitScheduler("bench", 1)
	expectPanic(t, "free without hold", func() { qs.freeSlot(evtMgr) })
}
