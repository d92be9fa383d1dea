// Package scope materialises a subscription's scope document into the
// concrete set of target instance descriptors, using CMDB as the external
// collaborator. It also owns the instance-id codec.
package scope

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/nodepilot/internal/cmdb"
)

// Scope is the parsed scope document stored on a subscription.
type Scope struct {
	ObjectType   string     `json:"object_type"` // HOST or SERVICE
	NodeType     string     `json:"node_type"`   // INSTANCE, TOPO, SERVICE_TEMPLATE, SET_TEMPLATE
	BkBizID      int64      `json:"bk_biz_id,omitempty"`
	Nodes        []Node     `json:"nodes"`
	Selectors    []Selector `json:"selectors,omitempty"`
	NeedRegister bool       `json:"need_register,omitempty"`
}

// Node is one scope entry: either a host reference (bk_host_id or ip+cloud)
// or a topology node reference (bk_obj_id + bk_inst_id).
type Node struct {
	BkHostID  int64  `json:"bk_host_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	BkCloudID int64  `json:"bk_cloud_id,omitempty"`
	BkBizID   int64  `json:"bk_biz_id,omitempty"`
	BkObjID   string `json:"bk_obj_id,omitempty"`
	BkInstID  int64  `json:"bk_inst_id,omitempty"`
}

// Selector filters a topology expansion, e.g. {key: os_type, op: in,
// values: [linux]}.
type Selector struct {
	Key    string   `json:"key"`
	Op     string   `json:"op"` // in, not_in
	Values []string `json:"values"`
}

// Descriptor is one concrete target instance.
type Descriptor struct {
	ObjectType string                `json:"object_type"`
	NodeType   string                `json:"node_type"`
	Host       cmdb.HostInfo         `json:"host"`
	Service    *cmdb.ServiceInstance `json:"service,omitempty"`

	// MatchedObjID is the topology level at which the scope matched this
	// instance ("host" for instance scopes). The arbiter ranks by it.
	MatchedObjID string `json:"matched_obj_id"`
}

// InstanceID returns the canonical id of this descriptor.
func (d Descriptor) InstanceID() string {
	if d.Service != nil {
		return ServiceInstanceID(d.ObjectType, d.NodeType, d.Service.ID)
	}
	if d.Host.BkHostID != 0 {
		return HostInstanceID(d.ObjectType, d.NodeType, d.Host.BkHostID)
	}
	return IPInstanceID(d.ObjectType, d.NodeType, d.Host.InnerIP, d.Host.CloudID)
}

// Result is a materialised scope.
type Result struct {
	Nodes     []cmdb.TopoNode
	Instances map[string]Descriptor
}

const scopeSchemaJSON = `{
	"type": "object",
	"required": ["object_type", "node_type", "nodes"],
	"properties": {
		"object_type": {"enum": ["HOST", "SERVICE"]},
		"node_type": {"enum": ["INSTANCE", "TOPO", "SERVICE_TEMPLATE", "SET_TEMPLATE"]},
		"bk_biz_id": {"type": "integer", "minimum": 0},
		"need_register": {"type": "boolean"},
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"bk_host_id": {"type": "integer", "minimum": 0},
					"ip": {"type": "string"},
					"bk_cloud_id": {"type": "integer", "minimum": 0},
					"bk_biz_id": {"type": "integer", "minimum": 0},
					"bk_obj_id": {"type": "string"},
					"bk_inst_id": {"type": "integer", "minimum": 0}
				}
			}
		},
		"selectors": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["key", "op", "values"],
				"properties": {
					"key": {"enum": ["os_type", "cpu_arch", "bk_cloud_id", "inner_ip"]},
					"op": {"enum": ["in", "not_in"]},
					"values": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

// Resolver expands scope documents via CMDB.
type Resolver struct {
	reader cmdb.Reader
	logger *slog.Logger
	schema *jsonschema.Schema
}

func NewResolver(reader cmdb.Reader, logger *slog.Logger) (*Resolver, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(scopeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal scope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("scope.json", doc); err != nil {
		return nil, fmt.Errorf("add scope schema resource: %w", err)
	}
	schema, err := c.Compile("scope.json")
	if err != nil {
		return nil, fmt.Errorf("compile scope schema: %w", err)
	}
	return &Resolver{
		reader: reader,
		logger: logger.With("component", "scope"),
		schema: schema,
	}, nil
}

// ParseScope validates a raw scope document against the schema and decodes it.
func (r *Resolver) ParseScope(raw string) (*Scope, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse scope document: %w", err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid scope document: %w", err)
	}
	var sc Scope
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return nil, fmt.Errorf("decode scope document: %w", err)
	}
	return &sc, nil
}

// Resolve materialises the scope. For instance scopes the declared host list
// is the answer (enriched from CMDB when withHosts is set); topology scopes
// are expanded via CMDB. An empty expansion is legal.
func (r *Resolver) Resolve(ctx context.Context, sc *Scope, withHosts bool) (*Result, error) {
	res := &Result{Instances: make(map[string]Descriptor)}

	if strings.EqualFold(sc.NodeType, "INSTANCE") {
		if err := r.resolveInstanceScope(ctx, sc, withHosts, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	for _, node := range sc.Nodes {
		bizID := node.BkBizID
		if bizID == 0 {
			bizID = sc.BkBizID
		}
		topoNode := cmdb.TopoNode{BkObjID: node.BkObjID, BkInstID: node.BkInstID, BkBizID: bizID}
		res.Nodes = append(res.Nodes, topoNode)

		if strings.EqualFold(sc.ObjectType, "SERVICE") {
			insts, err := r.reader.ListServiceInstances(ctx, topoNode)
			if err != nil {
				return nil, fmt.Errorf("expand service node %s/%d: %w", node.BkObjID, node.BkInstID, err)
			}
			for _, inst := range insts {
				svc := inst
				d := Descriptor{
					ObjectType:   sc.ObjectType,
					NodeType:     sc.NodeType,
					Service:      &svc,
					Host:         cmdb.HostInfo{BkHostID: inst.HostID, BizID: inst.BizID},
					MatchedObjID: node.BkObjID,
				}
				res.Instances[d.InstanceID()] = d
			}
			continue
		}

		hosts, err := r.reader.ListTopoHosts(ctx, topoNode)
		if err != nil {
			return nil, fmt.Errorf("expand topo node %s/%d: %w", node.BkObjID, node.BkInstID, err)
		}
		for _, h := range hosts {
			if !matchSelectors(h, sc.Selectors) {
				continue
			}
			if h.BizID == 0 {
				h.BizID = bizID
			}
			d := Descriptor{
				ObjectType:   sc.ObjectType,
				NodeType:     sc.NodeType,
				Host:         h,
				MatchedObjID: node.BkObjID,
			}
			res.Instances[d.InstanceID()] = d
		}
	}

	r.logger.Debug("scope resolved",
		"object_type", sc.ObjectType, "node_type", sc.NodeType,
		"nodes", len(res.Nodes), "instances", len(res.Instances))
	return res, nil
}

func (r *Resolver) resolveInstanceScope(ctx context.Context, sc *Scope, withHosts bool, res *Result) error {
	// Group declared host ids per business for one enrichment call each.
	byBiz := make(map[int64][]int64)
	for _, node := range sc.Nodes {
		if node.BkHostID == 0 {
			continue
		}
		bizID := node.BkBizID
		if bizID == 0 {
			bizID = sc.BkBizID
		}
		byBiz[bizID] = append(byBiz[bizID], node.BkHostID)
	}

	enriched := make(map[int64]cmdb.HostInfo)
	if withHosts {
		for bizID, ids := range byBiz {
			hosts, err := r.reader.ListHosts(ctx, bizID, ids)
			if err != nil {
				return fmt.Errorf("enrich hosts of biz %d: %w", bizID, err)
			}
			for _, h := range hosts {
				enriched[h.BkHostID] = h
			}
		}
	}

	for _, node := range sc.Nodes {
		bizID := node.BkBizID
		if bizID == 0 {
			bizID = sc.BkBizID
		}
		h := cmdb.HostInfo{
			BkHostID: node.BkHostID,
			InnerIP:  node.IP,
			CloudID:  node.BkCloudID,
			BizID:    bizID,
		}
		if full, ok := enriched[node.BkHostID]; ok && node.BkHostID != 0 {
			h = full
			if h.BizID == 0 {
				h.BizID = bizID
			}
		}
		if !matchSelectors(h, sc.Selectors) {
			continue
		}
		d := Descriptor{
			ObjectType:   sc.ObjectType,
			NodeType:     sc.NodeType,
			Host:         h,
			MatchedObjID: "host",
		}
		res.Instances[d.InstanceID()] = d
	}
	return nil
}

func matchSelectors(h cmdb.HostInfo, selectors []Selector) bool {
	for _, sel := range selectors {
		var value string
		switch sel.Key {
		case "os_type":
			value = h.OSType
		case "cpu_arch":
			value = h.CPUArch
		case "bk_cloud_id":
			value = strconv.FormatInt(h.CloudID, 10)
		case "inner_ip":
			value = h.InnerIP
		default:
			continue
		}
		found := false
		for _, v := range sel.Values {
			if strings.EqualFold(v, value) {
				found = true
				break
			}
		}
		switch sel.Op {
		case "in":
			if !found {
				return false
			}
		case "not_in":
			if found {
				return false
			}
		}
	}
	return true
}
