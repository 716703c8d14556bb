package qnet

// agent.go implements the node agent that executes controller rules
// against the local device and acknowledges each applied rule back
// over the control plane

import (
	"fmt"
	"github.com/iti/evt/evtm"
)

// An Agent is one node's rule application endpoint
type Agent struct {
	qn  *qNode
	ctl string // controller name, resolved on first use
}

// createAgent is a constructor
func createAgent(qn *qNode) *Agent {
	agent := new(Agent)
	agent.qn = qn
	return agent
}

// ctlName resolves the name of the controller node
func (agent *Agent) ctlName() string {
	if len(agent.ctl) == 0 {
		for _, qn := range qNodeByName {
			if qn.kind == ctrlKind {
				agent.ctl = qn.name
				break
			}
		}
		if len(agent.ctl) == 0 {
			panic(fmt.Errorf("agent on %s finds no controller to answer", agent.qn.name))
		}
	}
	return agent.ctl
}

// applyRule executes one rule against the local device and echoes it
// back as the acknowledgement, with the assigned handle filled in for
// insertions
func (agent *Agent) applyRule(evtMgr *evtm.EventManager, rule RuleMsg) {
	hdr := rule.hdr()
	if hdr.Node != agent.qn.name {
		panic(fmt.Errorf("rule %d for node %s delivered to %s", hdr.RuleID, hdr.Node, agent.qn.name))
	}

	dev := agent.qn.device
	switch msg := rule.(type) {
	case *TableInsertMsg:
		msg.Handle = dev.insertEntry(msg.Block, msg.Table, msg.Key, msg.ActionName, msg.ActionData)
	case *TableRemoveMsg:
		err := dev.removeEntry(msg.Block, msg.Table, msg.Handle)
		if err != nil {
			panic(err)
		}
	case *BsmGrpCreateMsg:
		dev.createBsmGroup(evtMgr, msg.BsmGrpID, msg.Entry0, msg.Entry1)
	case *BsmGrpDestroyMsg:
		dev.destroyBsmGroup(evtMgr, msg.BsmGrpID)
	default:
		panic(fmt.Errorf("agent on %s offered unrecognized rule %T", agent.qn.name, rule))
	}

	traceMgr.logRule(evtMgr, agent.qn.id, ruleActionToStr(hdr.Action), hdr.RuleID)
	sendCtl(evtMgr, agent.qn, agent.ctlName(), rule)
}

// handlePing answers a control-plane liveness probe
func (agent *Agent) handlePing(evtMgr *evtm.EventManager, msg *RequestMsg) {
	reply := &RequestMsg{Op: OpPing, Source: agent.qn.name, Remote: msg.Source, RequestID: msg.RequestID}
	sendCtl(evtMgr, agent.qn, msg.Source, reply)
}
