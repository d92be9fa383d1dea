package pipeline

import (
	"encoding/json"
	"fmt"
)

// Document is the persisted pipeline tree shape. All ids are 32-char
// lowercase UUID hex. Instance sub-graphs are sub-process activities whose
// nested document carries the sequential step chain.
type Document struct {
	ID         string                 `json:"id"`
	StartEvent string                 `json:"start_event"`
	EndEvent   string                 `json:"end_event"`
	Flows      map[string]Flow        `json:"flows"`
	Gateways   map[string]GatewayDoc  `json:"gateways"`
	Activities map[string]ActivityDoc `json:"activities"`
}

// Flow is one directed edge.
type Flow struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// GatewayDoc declares a gateway node.
type GatewayDoc struct {
	Type string `json:"type"` // parallel, converge
}

// ActivityDoc declares an activity or sub-process node.
type ActivityDoc struct {
	Component string         `json:"component,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Pipeline  *Document      `json:"pipeline,omitempty"` // set for sub-processes
}

// Node kinds persisted on pipeline_nodes rows.
const (
	KindStart           = "start"
	KindEnd             = "end"
	KindActivity        = "activity"
	KindParallelGateway = "parallel_gateway"
	KindConvergeGateway = "converge_gateway"
	KindSubprocess      = "subprocess"
)

// ParseDocument decodes and structurally validates a tree document.
func ParseDocument(raw string) (*Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse tree document: %w", err)
	}
	if doc.StartEvent == "" || doc.EndEvent == "" {
		return nil, fmt.Errorf("tree %q: missing start or end event", doc.ID)
	}
	return &doc, nil
}

// Graph is the flattened execution view of a document: every node of every
// sub-process, with edges wired so a sub-process runs its inner chain and
// the outer graph resumes when the inner end completes.
type Graph struct {
	Kind map[string]string   // node id -> kind
	Succ map[string][]string // flattened successors
	Pred map[string][]string // flattened predecessors

	// Parent maps an inner node to its enclosing sub-process node.
	Parent map[string]string

	// InnerStart / InnerEnd map a sub-process node to its nested chain ends.
	InnerStart map[string]string
	InnerEnd   map[string]string

	// Component and Inputs for activity nodes.
	Component map[string]string
	Inputs    map[string]map[string]any

	Root *Document
}

// BuildGraph flattens a document, recursing into sub-processes.
func BuildGraph(doc *Document) (*Graph, error) {
	g := &Graph{
		Kind:       make(map[string]string),
		Succ:       make(map[string][]string),
		Pred:       make(map[string][]string),
		Parent:     make(map[string]string),
		InnerStart: make(map[string]string),
		InnerEnd:   make(map[string]string),
		Component:  make(map[string]string),
		Inputs:     make(map[string]map[string]any),
		Root:       doc,
	}
	if err := g.addLevel(doc, ""); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addLevel(doc *Document, parent string) error {
	add := func(id, kind string) error {
		if id == "" {
			return fmt.Errorf("tree %q: empty node id", doc.ID)
		}
		if _, dup := g.Kind[id]; dup {
			return fmt.Errorf("tree %q: duplicate node id %q", doc.ID, id)
		}
		g.Kind[id] = kind
		if parent != "" {
			g.Parent[id] = parent
		}
		return nil
	}

	if err := add(doc.StartEvent, KindStart); err != nil {
		return err
	}
	if err := add(doc.EndEvent, KindEnd); err != nil {
		return err
	}
	for id, gw := range doc.Gateways {
		kind := KindParallelGateway
		if gw.Type == "converge" {
			kind = KindConvergeGateway
		}
		if err := add(id, kind); err != nil {
			return err
		}
	}
	for id, act := range doc.Activities {
		if act.Pipeline != nil {
			if err := add(id, KindSubprocess); err != nil {
				return err
			}
			if err := g.addLevel(act.Pipeline, id); err != nil {
				return err
			}
			g.InnerStart[id] = act.Pipeline.StartEvent
			g.InnerEnd[id] = act.Pipeline.EndEvent
			continue
		}
		if err := add(id, KindActivity); err != nil {
			return err
		}
		g.Component[id] = act.Component
		g.Inputs[id] = act.Inputs
	}

	for flowID, f := range doc.Flows {
		if _, ok := g.Kind[f.Source]; !ok {
			return fmt.Errorf("tree %q: flow %q references unknown source %q", doc.ID, flowID, f.Source)
		}
		if _, ok := g.Kind[f.Target]; !ok {
			return fmt.Errorf("tree %q: flow %q references unknown target %q", doc.ID, flowID, f.Target)
		}
		g.Succ[f.Source] = append(g.Succ[f.Source], f.Target)
		g.Pred[f.Target] = append(g.Pred[f.Target], f.Source)
	}
	return nil
}

// EffectiveSuccessors returns the nodes that become runnable after the given
// node completes, crossing sub-process boundaries: a completed sub-process
// node enters its inner chain, and a completed inner end node surfaces as
// the enclosing sub-process finishing.
func (g *Graph) EffectiveSuccessors(id string) []string {
	if g.Kind[id] == KindSubprocess {
		if inner, ok := g.InnerStart[id]; ok {
			return []string{inner}
		}
	}
	if g.Kind[id] == KindEnd {
		if sub, ok := g.Parent[id]; ok {
			return []string{sub}
		}
	}
	return g.Succ[id]
}

// Downstream returns every node whose run depends on the given node: the
// rest of its inner chain, the enclosing sub-process, and everything after
// it in the outer graph. Sibling inner chains and nodes upstream of the
// given one are untouched, so a retry from a failed step keeps its earlier
// successes.
func (g *Graph) Downstream(nodeID string) []string {
	seen := map[string]bool{nodeID: true}
	var order []string
	queue := []string{nodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		var next []string
		if g.Kind[id] == KindEnd && g.Parent[id] != "" {
			// Surfacing from an inner chain: the sub-process itself re-runs.
			next = []string{g.Parent[id]}
		} else {
			next = g.Succ[id]
		}
		for _, n := range next {
			if seen[n] {
				continue
			}
			seen[n] = true
			order = append(order, n)
			queue = append(queue, n)
		}
	}
	return order
}
