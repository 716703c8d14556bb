package qnet

// trace.go implements a manager that gathers an optional record of
// simulation activity: transmissions and arrivals on links, rule
// applications at agents, heralding events, and drops.  Records are
// keyed by node id so post-run analysis can follow one device's view
// of the run.

import (
	"encoding/json"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"strconv"
)

type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager is used to gather information about a simulation model
// and an execution of that model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.NameByID = make(map[int]NameType) // dictionary of id code -> (name,type)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of the trace using its calling arguments, and stores it
func (tm *TraceManager) AddTrace(vrt vrtime.Time, objID int, trace TraceInst) {

	// return if we aren't using the trace manager
	if !tm.InUse {
		return
	}

	_, present := tm.Traces[objID]
	if !present {
		tm.Traces[objID] = make([]TraceInst, 0)
	}
	tm.Traces[objID] = append(tm.Traces[objID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}

	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	f.Close()
	return true
}

// QTrace saves information about one point of activity at a node.
// saved for post-run analysis
type QTrace struct {
	Time     float64 // time in float64
	Ticks    int64   // ticks variable of time
	Priority int64   // priority field of time-stamp
	ObjID    int     // integer id for the node being referenced
	PeerID   int     // id of the receiving node on a transmission, -1 otherwise
	Op       string  // "xmit", "arrive", "rule", "herald", "drop"
	Tag      string  // record-specific detail
}

func (qt *QTrace) Serialize() string {
	var bytes []byte
	var merr error

	bytes, merr = yaml.Marshal(*qt)

	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// addQTrace creates a record of node activity using its calling arguments, and stores it
func (tm *TraceManager) addQTrace(evtMgr *evtm.EventManager, objID, peerID int, op, tag string) {
	if !tm.InUse {
		return
	}
	vrt := evtMgr.CurrentTime()
	qt := new(QTrace)
	qt.Time = vrt.Seconds()
	qt.Ticks = vrt.Ticks()
	qt.Priority = vrt.Pri()
	qt.ObjID = objID
	qt.PeerID = peerID
	qt.Op = op
	qt.Tag = tag

	qtStr := qt.Serialize()
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)

	trcInst := TraceInst{TraceTime: traceTime, TraceType: "qnet", TraceStr: qtStr}
	tm.AddTrace(vrt, objID, trcInst)
}

// logXmit records the start of a transmission from one node to a linked peer
func (tm *TraceManager) logXmit(evtMgr *evtm.EventManager, fromID, toID int, tag string) {
	tm.addQTrace(evtMgr, fromID, toID, "xmit", tag)
}

// logArrive records the arrival of a message at a node's port
func (tm *TraceManager) logArrive(evtMgr *evtm.EventManager, objID int, tag string) {
	tm.addQTrace(evtMgr, objID, -1, "arrive", tag)
}

// logRule records the application of a controller rule at a node's agent
func (tm *TraceManager) logRule(evtMgr *evtm.EventManager, objID int, action string, ruleID uint64) {
	tm.addQTrace(evtMgr, objID, -1, "rule", action+" rule "+strconv.FormatUint(ruleID, 10))
}

// logHerald records a heralding layer event (announcement, parameter
// distribution, attempt outcome, swap) tied to a BSM group
func (tm *TraceManager) logHerald(evtMgr *evtm.EventManager, objID int, tag string, grpID uint64) {
	tm.addQTrace(evtMgr, objID, -1, "herald", tag+" grp "+strconv.FormatUint(grpID, 10))
}

// logDrop records a message discarded at a node rather than acted on
func (tm *TraceManager) logDrop(evtMgr *evtm.EventManager, objID int, reason string) {
	tm.addQTrace(evtMgr, objID, -1, "drop", reason)
}
