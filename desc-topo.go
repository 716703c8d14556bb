package qnet

// desc-topo.go holds the serializable descriptions of a quantum network
// topology, its experiment parameters, and its demand, together with
// builder ("frame") structures used to assemble them programmatically

import (
	"encoding/json"
	"errors"
	"fmt"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
	"os"
	"path"
	"strings"
)

// To most easily serialize and deserialize the structures that describe
// a model we keep them free of pointers, fully instantiated in the
// description.  Construction is more convenient with a mutable builder,
// so each description has a companion with the final appellation
// 'Frame' that accumulates pieces and validates them, and a Transform
// method that emits the pointer-free 'Desc' form.

// A NodeDesc describes one node of the quantum network.  Kind is one of
// "host", "router", "repeater", "heraldstation", "controller".
// NumQubits is the number of communication qubit slots at hosts,
// routers, and repeaters.  NumBsmUnits is the number of BSM detector
// units at a heralding station.
type NodeDesc struct {
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind" yaml:"kind"`
	NumQubits   int    `json:"numqubits" yaml:"numqubits"`
	NumBsmUnits int    `json:"numbsmunits" yaml:"numbsmunits"`
}

// A LinkDesc describes one undirected link.  Each endpoint names the
// local port index the link occupies on that node.  Quantum marks links
// that can carry photons; every link carries classical traffic.
type LinkDesc struct {
	Node0    string  `json:"node0" yaml:"node0"`
	Port0    int     `json:"port0" yaml:"port0"`
	Node1    string  `json:"node1" yaml:"node1"`
	Port1    int     `json:"port1" yaml:"port1"`
	LengthKM float64 `json:"lengthkm" yaml:"lengthkm"`
	Quantum  bool    `json:"quantum" yaml:"quantum"`
}

// A TopoDesc describes a complete topology
type TopoDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// WriteToFile stores the TopoDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (td *TopoDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*td)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*td, "", "\t")
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

	return werr
}

// ReadTopoDesc deserializes a byte slice holding a representation of a
// TopoDesc struct.  If the dict argument is empty the file whose name
// is given is read to acquire the bytes.  A deserialized representation
// is returned, or an error from the file read or the deserialization.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// BsmPropDesc holds the detector unit properties from which the
// heralding success model is derived
type BsmPropDesc struct {
	PDark      float64 `json:"pdark" yaml:"pdark"`
	DetEff     float64 `json:"deteff" yaml:"deteff"`
	Visibility float64 `json:"visibility" yaml:"visibility"`
}

// A ParamDesc holds the experiment parameters that are not topology.
// FibreSpeedKMS is the signal propagation speed in fibre, used for both
// classical and photonic transmission delays.
type ParamDesc struct {
	Name              string      `json:"name" yaml:"name"`
	Controller        string      `json:"controller" yaml:"controller"`
	FibreSpeedKMS     float64     `json:"fibrespeedkms" yaml:"fibrespeedkms"`
	ClassicalLengthKM float64     `json:"classicallengthkm" yaml:"classicallengthkm"`
	Alpha             float64     `json:"alpha" yaml:"alpha"`
	GuardSeconds      float64     `json:"guardseconds" yaml:"guardseconds"`
	RttRetrySeconds   float64     `json:"rttretryseconds" yaml:"rttretryseconds"`
	BsmProperties     BsmPropDesc `json:"bsmproperties" yaml:"bsmproperties"`
}

// CreateParamDesc is an initialization constructor whose values follow
// the reference hardware model: fibre speed 206753.41931034482 km/s,
// 5 km classical control links, bright-state population 0.3, a one
// microsecond guard band on top of the measured round trip, and
// detector dark count probability 5.0e-7, efficiency 0.8, visibility
// 0.9.
func CreateParamDesc(name string) *ParamDesc {
	pd := new(ParamDesc)
	pd.Name = name
	pd.Controller = "p2p"
	pd.FibreSpeedKMS = 206753.41931034482
	pd.ClassicalLengthKM = 5.0
	pd.Alpha = 0.3
	pd.GuardSeconds = 1e-6
	pd.RttRetrySeconds = 1.0
	pd.BsmProperties = BsmPropDesc{PDark: 5.0e-7, DetEff: 0.8, Visibility: 0.9}
	return pd
}

// WriteToFile stores the ParamDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (pd *ParamDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*pd)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*pd, "", "\t")
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

	return werr
}

// ReadParamDesc deserializes a byte slice holding a representation of a
// ParamDesc struct.  If the dict argument is empty the file whose name
// is given is read to acquire the bytes.
func ReadParamDesc(filename string, useYAML bool, dict []byte) (*ParamDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ParamDesc{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// A RequestDesc describes one entanglement demand: at simulation time
// Time, Host0 asks for NumPairs pairs with Host1
type RequestDesc struct {
	Time     float64 `json:"time" yaml:"time"`
	Host0    string  `json:"host0" yaml:"host0"`
	Host1    string  `json:"host1" yaml:"host1"`
	NumPairs int     `json:"numpairs" yaml:"numpairs"`
}

// A DemandDesc holds the list of requests an experiment injects
type DemandDesc struct {
	Name     string        `json:"name" yaml:"name"`
	Requests []RequestDesc `json:"requests" yaml:"requests"`
}

// CreateDemandDesc is an initialization constructor
func CreateDemandDesc(name string) *DemandDesc {
	dd := new(DemandDesc)
	dd.Name = name
	dd.Requests = make([]RequestDesc, 0)
	return dd
}

// AddRequest appends one demand to the list
func (dd *DemandDesc) AddRequest(time float64, host0, host1 string, numPairs int) {
	dd.Requests = append(dd.Requests, RequestDesc{Time: time, Host0: host0, Host1: host1, NumPairs: numPairs})
}

// WriteToFile stores the DemandDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (dd *DemandDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*dd)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*dd, "", "\t")
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

	return werr
}

// ReadDemandDesc deserializes a byte slice holding a representation of
// a DemandDesc struct.  If the dict argument is empty the file whose
// name is given is read to acquire the bytes.
func ReadDemandDesc(filename string, useYAML bool, dict []byte) (*DemandDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := DemandDesc{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// A TopoDescFrame accumulates nodes and links while a topology is being
// built, tracks which ports are spoken for, and validates the result
// before emitting the serializable TopoDesc
type TopoDescFrame struct {
	Name      string
	nodes     []NodeDesc
	nodeNames []string
	links     []LinkDesc
	usedPorts map[string][]int
}

// CreateTopoDescFrame is an initialization constructor.
// Its output struct has methods for integrating data.
func CreateTopoDescFrame(name string) *TopoDescFrame {
	tdf := new(TopoDescFrame)
	tdf.Name = name
	tdf.nodes = make([]NodeDesc, 0)
	tdf.nodeNames = make([]string, 0)
	tdf.links = make([]LinkDesc, 0)
	tdf.usedPorts = make(map[string][]int)
	return tdf
}

// addNode appends a node description, panicking on a duplicated name.
// Panic rather than error return because a name collision in a builder
// is a bug in the building code, not a data condition.
func (tdf *TopoDescFrame) addNode(name, kind string, numQubits, numBsmUnits int) {
	if slices.Contains(tdf.nodeNames, name) {
		panic(fmt.Errorf("node name %s reused in topology %s", name, tdf.Name))
	}
	tdf.nodes = append(tdf.nodes,
		NodeDesc{Name: name, Kind: kind, NumQubits: numQubits, NumBsmUnits: numBsmUnits})
	tdf.nodeNames = append(tdf.nodeNames, name)
}

// AddHost adds a host node with a single communication qubit slot
func (tdf *TopoDescFrame) AddHost(name string) {
	tdf.addNode(name, "host", 1, 0)
}

// AddRouter adds a router node with one qubit slot per quantum direction
func (tdf *TopoDescFrame) AddRouter(name string) {
	tdf.addNode(name, "router", 2, 0)
}

// AddRepeater adds a repeater node.  Repeaters and routers differ in
// name only; both hold two qubit slots and swap
func (tdf *TopoDescFrame) AddRepeater(name string) {
	tdf.addNode(name, "repeater", 2, 0)
}

// AddHeraldStation adds a heralding station with the given number of
// BSM detector units
func (tdf *TopoDescFrame) AddHeraldStation(name string, numBsmUnits int) {
	tdf.addNode(name, "heraldstation", 0, numBsmUnits)
}

// AddController adds the controller node
func (tdf *TopoDescFrame) AddController(name string) {
	tdf.addNode(name, "controller", 0, 0)
}

// nxtPort returns the smallest port index not yet used on the named node
func (tdf *TopoDescFrame) nxtPort(node string) int {
	port := 0
	for slices.Contains(tdf.usedPorts[node], port) {
		port += 1
	}
	return port
}

// ConnectPorts records a link between named ports of two nodes
func (tdf *TopoDescFrame) ConnectPorts(node0 string, port0 int, node1 string, port1 int,
	lengthKM float64, quantum bool) {
	if slices.Contains(tdf.usedPorts[node0], port0) {
		panic(fmt.Errorf("port %d on node %s doubly connected", port0, node0))
	}
	if slices.Contains(tdf.usedPorts[node1], port1) {
		panic(fmt.Errorf("port %d on node %s doubly connected", port1, node1))
	}
	tdf.usedPorts[node0] = append(tdf.usedPorts[node0], port0)
	tdf.usedPorts[node1] = append(tdf.usedPorts[node1], port1)
	tdf.links = append(tdf.links, LinkDesc{Node0: node0, Port0: port0,
		Node1: node1, Port1: port1, LengthKM: lengthKM, Quantum: quantum})
}

// Connect records a link between two nodes, assigning the next free
// port index on each side
func (tdf *TopoDescFrame) Connect(node0, node1 string, lengthKM float64, quantum bool) {
	tdf.ConnectPorts(node0, tdf.nxtPort(node0), node1, tdf.nxtPort(node1), lengthKM, quantum)
}

// Transform validates the accumulated topology and emits its
// serializable description.  Validation errors are returned rather than
// panicked because link lists may come from user input files.
func (tdf *TopoDescFrame) Transform() (*TopoDesc, error) {
	qdegree := make(map[string]int)

	for _, link := range tdf.links {
		if !slices.Contains(tdf.nodeNames, link.Node0) {
			return nil, fmt.Errorf("link names unknown node %s", link.Node0)
		}
		if !slices.Contains(tdf.nodeNames, link.Node1) {
			return nil, fmt.Errorf("link names unknown node %s", link.Node1)
		}
		if link.Quantum {
			qdegree[link.Node0] += 1
			qdegree[link.Node1] += 1
		}
	}

	// routers, repeaters, and heralding stations pass traffic between
	// quantum neighbors, so fewer than two makes them dead ends
	for _, node := range tdf.nodes {
		switch node.Kind {
		case "router", "repeater", "heraldstation":
			if qdegree[node.Name] < 2 {
				return nil, fmt.Errorf("%s %s has quantum degree %d, needs at least 2",
					node.Kind, node.Name, qdegree[node.Name])
			}
		}
	}

	td := new(TopoDesc)
	td.Name = tdf.Name
	td.Nodes = tdf.nodes
	td.Links = tdf.links
	return td, nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}
