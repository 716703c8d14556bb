package qnet

// exp.go holds ready-made experiment configurations.  Each builder
// returns the topology and parameter descriptions for one reference
// network; demand descriptions are supplied by the caller.  The
// controller node links classically to every other node, since rule
// traffic rides an out-of-band star.

import "fmt"

// LoopTopo is the smallest useful network: two hosts on either side of
// a single one-unit heralding station
func LoopTopo() (*TopoDesc, *ParamDesc) {
	tdf := CreateTopoDescFrame("loop")
	tdf.AddController("ctl")
	tdf.AddHeraldStation("hs", 1)
	tdf.AddHost("h1")
	tdf.AddHost("h2")

	tdf.Connect("hs", "h1", 0.0, true)
	tdf.Connect("hs", "h2", 0.0, true)
	tdf.Connect("h1", "h2", 10.0, false)

	tdf.Connect("ctl", "hs", 0.0, false)
	tdf.Connect("ctl", "h1", 0.0, false)
	tdf.Connect("ctl", "h2", 0.0, false)

	topo, err := tdf.Transform()
	if err != nil {
		panic(err)
	}
	return topo, CreateParamDesc("loop")
}

// QrxTopo is the routed reference network:
//
//	                                 hc0
//	                                 /
//	ha0--qhsa--qrx--qhsi--qrp--qhsc
//	            |                  \
//	          qhsb                 hc1
//	            |
//	           hb0
//
// The router qrx holds one qubit slot per quantum direction.  Link
// lengths follow the reference deployment, with 25 km quantum spans.
func QrxTopo() (*TopoDesc, *ParamDesc) {
	tdf := CreateTopoDescFrame("qrx")
	tdf.AddController("ctl")
	tdf.addNode("qrx", "router", 3, 0)
	tdf.AddRepeater("qrp")
	tdf.AddHeraldStation("qhsa", 1)
	tdf.AddHeraldStation("qhsb", 1)
	tdf.AddHeraldStation("qhsc", 1)
	tdf.AddHeraldStation("qhsi", 1)
	tdf.AddHost("ha0")
	tdf.AddHost("hb0")
	tdf.AddHost("hc0")
	tdf.AddHost("hc1")

	// backbone
	tdf.Connect("qhsi", "qrx", 25.0, true)
	tdf.Connect("qhsi", "qrp", 25.0, true)

	// qrx to zones a and b
	tdf.Connect("qrx", "qhsa", 25.0, true)
	tdf.Connect("qrx", "qhsb", 25.0, true)

	// qrp to zone c
	tdf.Connect("qrp", "qhsc", 25.0, true)

	// zone access spans
	tdf.Connect("qhsa", "ha0", 25.0, true)
	tdf.Connect("qhsb", "hb0", 25.0, true)
	tdf.Connect("qhsc", "hc0", 25.0, true)
	tdf.Connect("qhsc", "hc1", 25.0, true)

	// host-to-host classical mesh for peer handshakes
	tdf.Connect("ha0", "hb0", 100.0, false)
	tdf.Connect("ha0", "hc0", 150.0, false)
	tdf.Connect("ha0", "hc1", 150.0, false)
	tdf.Connect("hb0", "hc0", 150.0, false)
	tdf.Connect("hb0", "hc1", 150.0, false)
	tdf.Connect("hc0", "hc1", 50.0, false)

	// out-of-band control star
	tdf.Connect("ctl", "qrx", 0.0, false)
	tdf.Connect("ctl", "qrp", 50.0, false)
	tdf.Connect("ctl", "qhsa", 25.0, false)
	tdf.Connect("ctl", "qhsb", 25.0, false)
	tdf.Connect("ctl", "qhsi", 25.0, false)
	tdf.Connect("ctl", "qhsc", 75.0, false)
	tdf.Connect("ctl", "ha0", 50.0, false)
	tdf.Connect("ctl", "hb0", 50.0, false)
	tdf.Connect("ctl", "hc0", 100.0, false)
	tdf.Connect("ctl", "hc1", 100.0, false)

	topo, err := tdf.Transform()
	if err != nil {
		panic(err)
	}
	prm := CreateParamDesc("qrx")
	prm.ClassicalLengthKM = 25.0
	return topo, prm
}

// HubTopo is a star of numHosts hosts h1..hN around one heralding
// station with the given number of BSM units, run by the hub admission
// variant
func HubTopo(numHosts, numBsmUnits int) (*TopoDesc, *ParamDesc) {
	tdf := CreateTopoDescFrame("hub")
	tdf.AddController("ctl")
	tdf.AddHeraldStation("qhs", numBsmUnits)
	tdf.Connect("ctl", "qhs", 0.0, false)

	hosts := make([]string, numHosts)
	for spoke := 1; spoke <= numHosts; spoke++ {
		name := fmt.Sprintf("h%d", spoke)
		hosts[spoke-1] = name
		tdf.AddHost(name)
		tdf.Connect("qhs", name, 0.0, true)
		tdf.Connect("ctl", name, 0.0, false)
	}
	for idx, name := range hosts {
		for _, peer := range hosts[idx+1:] {
			tdf.Connect(name, peer, 10.0, false)
		}
	}

	topo, err := tdf.Transform()
	if err != nil {
		panic(err)
	}
	prm := CreateParamDesc("hub")
	prm.Controller = "hub"
	return topo, prm
}
