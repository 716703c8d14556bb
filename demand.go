package qnet

// demand.go turns the demand description into injection events that
// hand entanglement requests to their originating hosts.  The model
// issues the request ids, so every request in an experiment carries a
// globally unique id no matter which host originated it.

import (
	"fmt"
	"math"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// demand generation defaults, matching the reference experiments
const (
	DefaultNumPairs = 50
	DefaultHorizon  float64 = 2.0
)

// A DemandModel holds the requests an experiment injects, keyed by the
// ids it assigned them
type DemandModel struct {
	name     string
	nxtReqID uint64
	injected map[uint64]*EntangleRequest
}

// demandModel is rebuilt by every call to BuildExperiment
var demandModel *DemandModel

func createDemandModel(name string) *DemandModel {
	dm := new(DemandModel)
	dm.name = name
	dm.injected = make(map[uint64]*EntangleRequest)
	return dm
}

// newRequest mints the run-time request for one described demand
func (dm *DemandModel) newRequest(rd *RequestDesc) *EntangleRequest {
	dm.nxtReqID += 1
	req := &EntangleRequest{
		RequestID: dm.nxtReqID,
		Host0:     rd.Host0,
		Host1:     rd.Host1,
		NumPairs:  rd.NumPairs,
		Submitted: rd.Time,
	}
	dm.injected[req.RequestID] = req
	return req
}

// scheduleDemand validates the described requests and schedules one
// injection event apiece.  Request ids run 1, 2, ... in list order.
func scheduleDemand(evtMgr *evtm.EventManager, dmd *DemandDesc) {
	demandModel = createDemandModel(dmd.Name)

	for idx := range dmd.Requests {
		rd := &dmd.Requests[idx]

		host := qNodeByName[rd.Host0]
		if host == nil || host.kind != hostKind {
			panic(fmt.Errorf("demand %s names %s as an originating host", dmd.Name, rd.Host0))
		}
		peer := qNodeByName[rd.Host1]
		if peer == nil || peer.kind != hostKind {
			panic(fmt.Errorf("demand %s names %s as a peer host", dmd.Name, rd.Host1))
		}
		if rd.Host0 == rd.Host1 {
			panic(fmt.Errorf("demand %s pairs host %s with itself", dmd.Name, rd.Host0))
		}
		if rd.NumPairs < 1 {
			panic(fmt.Errorf("demand %s asks for %d pairs", dmd.Name, rd.NumPairs))
		}
		if rd.Time < 0.0 {
			panic(fmt.Errorf("demand %s schedules a request at time %f", dmd.Name, rd.Time))
		}

		req := demandModel.newRequest(rd)
		evtMgr.Schedule(host, req, injectRequest, vrtime.SecondsToTime(rd.Time))
	}
}

// injectRequest hands one request to its originating host's protocol
func injectRequest(evtMgr *evtm.EventManager, context any, data any) any {
	qn := context.(*qNode)
	req := data.(*EntangleRequest)
	traceMgr.logArrive(evtMgr, qn.id,
		fmt.Sprintf("inject request %d for %s and %s", req.RequestID, req.Host0, req.Host1))
	qn.host.submit(evtMgr, req)
	return nil
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleInterarrival draws the gap to the next generated request.
// Unrecognized distribution names fall back to constant spacing.
func sampleInterarrival(dist string, rngstrm *rngstream.RngStream, rate float64) float64 {
	switch dist {
	case "exponential", "exp", "expon":
		return expRV(rngstrm.RandU01(), rate)
	case "constant", "const":
		return 1.0 / rate
	}
	return 1.0 / rate
}

// GenerateDemand builds a demand description by sampling request
// arrivals between a host pair at the given rate until the horizon.
// numPairs and horizon fall back to the package defaults when zero.
func GenerateDemand(name string, host0, host1 string, numPairs int,
	rate float64, dist string, horizon float64) *DemandDesc {

	if !(rate > 0.0) {
		panic(fmt.Errorf("demand %s generated at rate %f", name, rate))
	}
	if numPairs < 1 {
		numPairs = DefaultNumPairs
	}
	if !(horizon > 0.0) {
		horizon = DefaultHorizon
	}

	rngstrm := rngstream.New(name)
	dmd := CreateDemandDesc(name)
	for t := sampleInterarrival(dist, rngstrm, rate); t < horizon; t += sampleInterarrival(dist, rngstrm, rate) {
		dmd.AddRequest(t, host0, host1, numPairs)
	}
	return dmd
}
