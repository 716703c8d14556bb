package qnet

// herald.go implements the heralding engine that runs on a station for
// each of its BSM detector units.  The engine announces the group the
// controller configured, collects readiness from both endpoints, hands
// them the entanglement parameters, and then measures each round of
// photon arrivals, reporting outcomes to both endpoints and to the
// local rule executor.

import (
	"fmt"
	"github.com/iti/evt/evtm"
)

type heraldState int

const (
	heraldAnnounce heraldState = iota
	heraldAwaitReady
	heraldMonitoring
	heraldInert
)

// A heraldEngine is the per-unit state machine.  epoch ties the engine
// to one configuration of its group id, so readiness left in flight by
// an earlier configuration cannot complete a round it never joined.
type heraldEngine struct {
	qn      *qNode
	grp     *bsmGroup
	epoch   int
	state   heraldState
	ready   [2]bool
	photons [2]bool
}

// inertEngine absorbs physical-plane messages for groups that were torn
// down while the messages were in flight
var inertEngine *heraldEngine = &heraldEngine{state: heraldInert}

// createHeraldEngine is a constructor
func createHeraldEngine(qn *qNode, grp *bsmGroup, epoch int) *heraldEngine {
	he := new(heraldEngine)
	he.qn = qn
	he.grp = grp
	he.epoch = epoch
	he.state = heraldAnnounce
	return he
}

// sideForPort maps an arrival port to the group entry index it serves
func (he *heraldEngine) sideForPort(portNum int) int {
	for k, ge := range he.grp.entries {
		if ge.EgressPort == portNum {
			return k
		}
	}
	panic(fmt.Errorf("station %s group %d has no entry on port %d",
		he.qn.name, he.grp.id, portNum))
}

// announce opens (or reopens) the group toward both endpoints.  Each
// endpoint learns which entry of the group it holds.
func (he *heraldEngine) announce(evtMgr *evtm.EventManager) {
	he.state = heraldAwaitReady
	he.ready[0], he.ready[1] = false, false
	he.photons[0], he.photons[1] = false, false

	for k, ge := range he.grp.entries {
		msg := &NewBsmGroupMsg{Station: he.qn.name, BsmID: he.grp.id, Entry: k, Epoch: he.epoch}
		sendDirect(evtMgr, he.qn, ge.EgressPort, msg)
	}
	traceMgr.logHerald(evtMgr, he.qn.id, "announce", he.grp.id)
}

// handleReady records one endpoint's readiness; when both are in, send
// the entanglement parameters and start watching for photons
func (he *heraldEngine) handleReady(evtMgr *evtm.EventManager, portNum int, epoch int) {
	if he.state == heraldInert {
		return
	}
	if epoch != he.epoch {
		// readiness for an earlier configuration of this group id
		traceMgr.logDrop(evtMgr, he.qn.id, fmt.Sprintf("stale ready for group %d", he.grp.id))
		return
	}
	if he.state != heraldAwaitReady {
		// in-flight leftover from a reconfigured round
		traceMgr.logDrop(evtMgr, he.qn.id, fmt.Sprintf("unexpected ready for group %d", he.grp.id))
		return
	}

	he.ready[he.sideForPort(portNum)] = true
	if !(he.ready[0] && he.ready[1]) {
		return
	}

	he.state = heraldMonitoring
	for _, ge := range he.grp.entries {
		sendDirect(evtMgr, he.qn, ge.EgressPort,
			&EntParamsMsg{BsmID: he.grp.id, Alpha: expParams.Alpha})
	}
	traceMgr.logHerald(evtMgr, he.qn.id, "params", he.grp.id)
}

// handlePhoton marks one side's photon as pending; the measurement
// window closes when both sides' photons are in
func (he *heraldEngine) handlePhoton(evtMgr *evtm.EventManager, portNum int) {
	if he.state == heraldInert {
		return
	}
	if he.state != heraldMonitoring {
		traceMgr.logDrop(evtMgr, he.qn.id, fmt.Sprintf("photon outside monitoring for group %d", he.grp.id))
		return
	}

	he.photons[he.sideForPort(portNum)] = true
	if he.photons[0] && he.photons[1] {
		he.photons[0], he.photons[1] = false, false
		he.sample(evtMgr)
	}
}

// sample draws the detector outcome for one coincidence window.  A
// success heralds one of the psi states; an ambiguous click is reported
// as a failure so the endpoints discard and retry; no click at all is
// silent, leaving the retry to the endpoints' guard timers.
func (he *heraldEngine) sample(evtMgr *evtm.EventManager) {
	props := expParams.BsmProperties
	p := expParams.Alpha * props.DetEff
	pCoinc := p * p
	pSuccess := pCoinc * props.Visibility / 2.0
	pClick := pCoinc + props.PDark

	u := he.qn.rngstr.RandU01()
	switch {
	case u < pSuccess:
		bell := PsiPlus
		if he.qn.rngstr.RandInt(0, 1) == 1 {
			bell = PsiMinus
		}
		seed := he.qn.rngstr.RandInt(0, 1)

		// both endpoints get identical copies of the outcome
		for _, ge := range he.grp.entries {
			sendDirect(evtMgr, he.qn, ge.EgressPort,
				&BsmOutcomeMsg{BsmID: he.grp.id, Success: true, Bell: bell, Seed: seed})
		}
		he.qn.device.heraldingBsmOutcome(evtMgr, he.grp.id, true, bell)

		he.state = heraldAwaitReady
		he.ready[0], he.ready[1] = false, false
		traceMgr.logHerald(evtMgr, he.qn.id, "success", he.grp.id)

	case u < pClick:
		for _, ge := range he.grp.entries {
			sendDirect(evtMgr, he.qn, ge.EgressPort,
				&BsmOutcomeMsg{BsmID: he.grp.id, Success: false, Bell: BellNone, Seed: 0})
		}
		he.qn.device.heraldingBsmOutcome(evtMgr, he.grp.id, false, BellNone)
		traceMgr.logHerald(evtMgr, he.qn.id, "failure", he.grp.id)

	default:
		// no click; the guard timers at the endpoints drive the retry
	}
}

// stop retires the engine
func (he *heraldEngine) stop() {
	he.state = heraldInert
}
