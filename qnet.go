package qnet

// qnet.go has code that builds the system data structures and attaches
// the protocol stacks that run over them

import (
	"fmt"
	"github.com/iti/evt/evtm"
	"path"
	"sort"
	"strings"
)

// global variables for finding things given an id, or a name
var qNodeByID map[int]*qNode
var qNodeByName map[string]*qNode

// routeTbl holds the shortest path structure of the quantum subgraph
// and the port→neighbor maps of every node
var routeTbl *routingTable

// expParams makes the experiment parameters visible to the protocol
// stacks, which read physical constants and timer settings from it
var expParams *ParamDesc

// traceMgr records watched network activity for post-run analysis
var traceMgr *TraceManager

// utility function for generating unique integer ids on demand
var NumIDs int = 0

// nxtID creates an id for objects created within the qnet module that is
// unique among those objects
func nxtID() int {
	NumIDs += 1
	return NumIDs
}

// BuildExperiment is called from the module that creates and runs a
// simulation.  Its inputs are the descriptions of the topology, the
// experiment parameters, and (optionally) the entanglement demand,
// which it uses to assemble and initialize the model data structures,
// load the static forwarding state, and attach the protocol stacks.
func BuildExperiment(topo *TopoDesc, prm *ParamDesc, dmd *DemandDesc,
	evtMgr *evtm.EventManager, tm *TraceManager) {

	if topo == nil || prm == nil {
		panic("empty experiment description")
	}

	// save as globals to qnet for tracing and parameter lookup
	traceMgr = tm
	expParams = prm

	// populate the runtime data structures that enable reference to the
	// descriptions just read in
	createNodeReferences(topo, tm)
	connectLinks(topo, prm)
	routeTbl.computeRoutes()

	// see whether connections give a fully connected system or not
	checkConnections()

	installStaticTables()
	attachProtocols(prm)

	if dmd != nil {
		scheduleDemand(evtMgr, dmd)
	}
}

// createNodeReferences creates the runtime representation of every
// described node and indexes it for lookup
func createNodeReferences(topo *TopoDesc, tm *TraceManager) {
	qNodeByID = make(map[int]*qNode)
	qNodeByName = make(map[string]*qNode)
	routeTbl = createRoutingTable()

	for idx := range topo.Nodes {
		nd := &topo.Nodes[idx]

		// create a runtime representation from its desc representation
		qn := createQNode(nd)

		// classical addresses are assigned in topology order
		qn.addr = ethAddrBase + uint64(idx)

		// save qn for lookup by id and name
		addQNodeLookup(qn)
		routeTbl.addNode(qn.name)

		// store id -> name for trace
		tm.AddName(qn.id, qn.name, nodeKindToStr(qn.kind))
	}
}

// addQNodeLookup puts a new entry in the qNodeByID and qNodeByName maps
// if that entry does not already exist
func addQNodeLookup(qn *qNode) {
	_, present := qNodeByID[qn.id]
	if present {
		panic(fmt.Errorf("index %d over-used in qNodeByID", qn.id))
	}
	_, present = qNodeByName[qn.name]
	if present {
		panic(fmt.Errorf("name %s over-used in qNodeByName", qn.name))
	}
	qNodeByID[qn.id] = qn
	qNodeByName[qn.name] = qn
}

// connectLinks creates the port structures on both sides of every
// described link and binds them as peers.  A link with no stated length
// takes the default length of a classical control run.
func connectLinks(topo *TopoDesc, prm *ParamDesc) {
	for idx := range topo.Links {
		link := &topo.Links[idx]

		node0, present := qNodeByName[link.Node0]
		if !present {
			panic(fmt.Errorf("link names unknown node %s", link.Node0))
		}
		node1, present := qNodeByName[link.Node1]
		if !present {
			panic(fmt.Errorf("link names unknown node %s", link.Node1))
		}

		lengthKM := link.LengthKM
		if lengthKM == 0.0 {
			lengthKM = prm.ClassicalLengthKM
		}
		delay := lengthKM / prm.FibreSpeedKMS

		port0 := node0.addPort(link.Port0, link.Quantum, delay)
		port1 := node1.addPort(link.Port1, link.Quantum, delay)
		port0.peer = port1
		port1.peer = port0

		routeTbl.connect(link)
	}
}

// checkConnections verifies that every node can resolve an egress port
// toward every other node, meaning the quantum subgraph is connected
// and the controller's out-of-band links reach every device
func checkConnections() bool {
	var untouched map[string][]string = make(map[string][]string)

	for srcName := range qNodeByName {
		for dstName := range qNodeByName {
			if srcName == dstName {
				continue
			}
			_, err := routeTbl.egress(srcName, dstName)
			if err != nil {
				untouched[srcName] = append(untouched[srcName], dstName)
			}
		}
	}
	if len(untouched) == 0 {
		return true
	}
	for srcName, missed := range untouched {
		fmt.Printf("missing paths from %s to %s\n", srcName, strings.Join(missed, ","))
	}
	panic(fmt.Errorf("missing connectivity"))
}

// installStaticTables loads the forwarding state present from time
// zero: every node can forward a classical packet toward any known
// destination address (its own address diverting to the control port),
// and heralding stations can stamp the link-local destination on
// departing entanglement announcements.  These entries are loaded
// directly at build time rather than pushed through node agents.
func installStaticTables() {
	for _, qn := range qNodeByName {
		for _, dst := range qNodeByName {
			if dst.name == qn.name {
				qn.device.insertEntry(blockIngress, tblEthernet,
					[]uint64{qn.addr}, actForward, []uint64{ctlPort})
				continue
			}
			port, err := routeTbl.egress(qn.name, dst.name)
			if err != nil {
				panic(err)
			}
			qn.device.insertEntry(blockIngress, tblEthernet,
				[]uint64{dst.addr}, actForward, []uint64{uint64(port)})
		}

		if qn.kind != stationKind {
			continue
		}
		for portNum, port := range qn.ports {
			if !port.quantum {
				continue
			}
			qn.device.insertEntry(blockEgress, tblEthernet,
				[]uint64{uint64(portNum)}, actEthernetAddr, []uint64{port.peer.node.addr})
		}
	}
}

// attachProtocols binds link layers to quantum ports, the
// entangle-and-measure protocol to hosts, and the admission variant
// named by the parameter description to the controller node
func attachProtocols(prm *ParamDesc) {
	var ctlNode *qNode
	stations := []*qNode{}
	hosts := []string{}

	for _, qn := range qNodeByName {
		switch qn.kind {
		case ctrlKind:
			if ctlNode != nil {
				panic(fmt.Errorf("nodes %s and %s both claim the controller role",
					ctlNode.name, qn.name))
			}
			ctlNode = qn
		case stationKind:
			stations = append(stations, qn)
		case hostKind:
			hosts = append(hosts, qn.name)
		}

		if qn.linkLayers != nil {
			for portNum, port := range qn.ports {
				if port.quantum {
					qn.linkLayers[portNum] = createLinkLayer(qn, port)
				}
			}
		}
	}
	if ctlNode == nil {
		panic(fmt.Errorf("topology names no controller"))
	}

	// admission scans run in host name order
	sort.Strings(hosts)

	switch prm.Controller {
	case "p2p":
		ctlNode.ctl = createController(ctlNode)
	case "hub":
		if len(stations) != 1 {
			panic(fmt.Errorf("hub admission requires exactly one heralding station, topology has %d",
				len(stations)))
		}
		ctlNode.ctl = createHubController(ctlNode, stations[0], hosts)
	default:
		panic(fmt.Errorf("unrecognized controller variant %s", prm.Controller))
	}

	for _, hostName := range hosts {
		qn := qNodeByName[hostName]
		qn.host = createHostProto(qn, ctlNode.name, prm.Controller == "hub")
	}
}

// GetExperimentDicts accepts a map that binds pre-defined keys ("topo",
// "prm", "dmd") referring to input file types with file names, creates
// internal representations of the information those files hold, and
// returns those structs.  The demand file is optional.
func GetExperimentDicts(syn map[string]string) (*TopoDesc, *ParamDesc, *DemandDesc) {
	var topo *TopoDesc
	var prm *ParamDesc
	var dmd *DemandDesc

	var empty []byte = make([]byte, 0)

	var errs []error
	var err error

	var useYAML bool

	ext := path.Ext(syn["topo"])
	useYAML = (ext == ".yaml") || (ext == ".yml")

	topo, err = ReadTopoDesc(syn["topo"], useYAML, empty)
	errs = append(errs, err)

	ext = path.Ext(syn["prm"])
	useYAML = (ext == ".yaml") || (ext == ".yml")

	prm, err = ReadParamDesc(syn["prm"], useYAML, empty)
	errs = append(errs, err)

	if len(syn["dmd"]) > 0 {
		ext = path.Ext(syn["dmd"])
		useYAML = (ext == ".yaml") || (ext == ".yml")
		dmd, err = ReadDemandDesc(syn["dmd"], useYAML, empty)
		errs = append(errs, err)
	}

	err = ReportErrs(errs)
	if err != nil {
		panic(err)
	}

	return topo, prm, dmd
}

// BuildExperimentFiles assembles an experiment whose descriptions are
// stored in files, bound to input file types by the same keys used by
// GetExperimentDicts
func BuildExperimentFiles(syn map[string]string, evtMgr *evtm.EventManager, tm *TraceManager) {
	topo, prm, dmd := GetExperimentDicts(syn)

	// panic if any one of these dictionaries could not be built
	if topo == nil || prm == nil {
		panic("empty dictionary")
	}

	BuildExperiment(topo, prm, dmd, evtMgr, tm)
}
