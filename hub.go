package qnet

// hub.go extends the controller for the star topology built around a
// single heralding station.  The station carries a pool of BSM units,
// so several circuits run concurrently: admission tracks which hosts
// and which units are free and admits every queued reservation that
// fits, oldest first.

import (
	"fmt"
	"github.com/iti/evt/evtm"
)

// A HubController multiplexes circuits over one heralding station
type HubController struct {
	*Controller
	station *qNode

	// hosts not presently committed to a circuit
	freeHosts map[string]bool

	// station BSM units not presently assigned to a circuit
	freeUnits map[uint64]bool
	numUnits  int

	// host pairs held by admitted circuits, keyed by circuit id, so
	// the hosts can be returned once the circuit disappears
	reservedHosts map[uint64][2]string
}

// createHubController is the constructor for the hub variant.  The
// hosts named here form the initial free pool; the station's unit
// count fixes the concurrency limit.
func createHubController(qn *qNode, station *qNode, hosts []string) *HubController {
	hub := new(HubController)
	hub.Controller = newControllerCore(qn)
	hub.Controller.admit = hub
	hub.station = station

	hub.freeHosts = make(map[string]bool)
	for _, host := range hosts {
		hub.freeHosts[host] = true
	}

	hub.numUnits = station.numBsmUnits
	if hub.numUnits < 1 {
		panic(fmt.Errorf("station %s offers no BSM units", station.name))
	}
	hub.freeUnits = make(map[uint64]bool)
	for unit := 0; unit < hub.numUnits; unit++ {
		hub.freeUnits[uint64(unit)] = true
	}

	hub.reservedHosts = make(map[uint64][2]string)
	return hub
}

// reserveRelease is the hub admission scan.  Hosts come back to the
// free pool once their circuit has left both the installing and active
// sets, releases drain as in the point-to-point variant, and then the
// reservation queue is scanned oldest first, admitting every entry
// whose hosts and a BSM unit are all free.
func (hub *HubController) reserveRelease(evtMgr *evtm.EventManager) {
	for cid, pair := range hub.reservedHosts {
		_, inst := hub.installing[cid]
		_, act := hub.active[cid]
		if inst || act {
			continue
		}
		for _, host := range pair {
			if hub.freeHosts[host] {
				panic(fmt.Errorf("host %s freed while free", host))
			}
			hub.freeHosts[host] = true
		}
		delete(hub.reservedHosts, cid)
	}

	queue := hub.releaseQueue
	retained := []*RequestMsg{}
	hub.releaseQueue = nil

	for idx := len(queue) - 1; idx >= 0; idx-- {
		rm := queue[idx]
		pair := sortPair(rm.Source, rm.Remote)

		if _, present := hub.installing[rm.RequestID]; present {
			retained = append(retained, rm)
			continue
		}

		if crc, present := hub.active[rm.RequestID]; present {
			if crc.pair != pair {
				panic(fmt.Errorf("release of circuit %d names pair (%s,%s), circuit joins (%s,%s)",
					rm.RequestID, pair[0], pair[1], crc.pair[0], crc.pair[1]))
			}
			hub.release(evtMgr, rm)
			continue
		}

		if qIdx := hub.findReservation(rm.RequestID, pair); qIdx >= 0 {
			hub.removeReservation(qIdx)
			hub.notify(evtMgr, rm)
			continue
		}

		fmt.Printf("no match for release of (%s,%s) request %d\n", pair[0], pair[1], rm.RequestID)
	}

	for idx := len(retained) - 1; idx >= 0; idx-- {
		hub.releaseQueue = append(hub.releaseQueue, retained[idx])
	}

	remaining := []*reservation{}
	for _, rsv := range hub.reserveQueue {
		if len(hub.freeUnits) > 0 && hub.freeHosts[rsv.pair[0]] && hub.freeHosts[rsv.pair[1]] {
			delete(hub.freeHosts, rsv.pair[0])
			delete(hub.freeHosts, rsv.pair[1])
			hub.reservedHosts[rsv.requestID] = rsv.pair
			hub.reserve(evtMgr, rsv)
			continue
		}
		remaining = append(remaining, rsv)
	}
	hub.reserveQueue = remaining
}

// assignBsmGrpID draws the lowest free unit from the station pool
func (hub *HubController) assignBsmGrpID(node string) uint64 {
	if node != hub.station.name {
		panic(fmt.Errorf("node %s asked for a BSM unit of station %s", node, hub.station.name))
	}
	for unit := uint64(0); unit < uint64(hub.numUnits); unit++ {
		if hub.freeUnits[unit] {
			delete(hub.freeUnits, unit)
			return unit
		}
	}
	panic(fmt.Errorf("station %s has no free BSM unit", hub.station.name))
}

// releaseBsmGrpID returns a station unit to the pool
func (hub *HubController) releaseBsmGrpID(node string, id uint64) {
	if qNodeByName[node].kind != stationKind {
		return
	}
	if node != hub.station.name {
		panic(fmt.Errorf("node %s returns a BSM unit of station %s", node, hub.station.name))
	}
	if id >= uint64(hub.numUnits) {
		panic(fmt.Errorf("station %s returns unknown BSM unit %d", node, id))
	}
	if hub.freeUnits[id] {
		panic(fmt.Errorf("station %s returns BSM unit %d twice", node, id))
	}
	hub.freeUnits[id] = true
}
