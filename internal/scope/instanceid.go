package scope

import (
	"fmt"
	"strconv"
	"strings"
)

// Instance-id strings are the canonical key correlating instance records with
// CMDB events and external APIs. The form is reversible, never hashed:
//
//	host|instance|host|42          (by bk_host_id)
//	host|topo|host|10.0.1.5-0      (by ip + cloud id, pre-registration)
//	service|topo|service|5501      (by service_instance_id)
type ParsedInstanceID struct {
	ObjectType string // host or service
	NodeType   string // instance, topo, service_template, set_template
	Kind       string // host or service
	BkHostID   int64
	InnerIP    string
	CloudID    int64
	ServiceID  int64
}

// HostInstanceID forms the id for a host addressed by bk_host_id.
func HostInstanceID(objectType, nodeType string, hostID int64) string {
	return fmt.Sprintf("%s|%s|host|%d",
		strings.ToLower(objectType), strings.ToLower(nodeType), hostID)
}

// IPInstanceID forms the id for a host addressed by (ip, cloud id), used
// before the host is registered into CMDB.
func IPInstanceID(objectType, nodeType, ip string, cloudID int64) string {
	return fmt.Sprintf("%s|%s|host|%s-%d",
		strings.ToLower(objectType), strings.ToLower(nodeType), ip, cloudID)
}

// ServiceInstanceID forms the id for a service instance.
func ServiceInstanceID(objectType, nodeType string, serviceID int64) string {
	return fmt.Sprintf("%s|%s|service|%d",
		strings.ToLower(objectType), strings.ToLower(nodeType), serviceID)
}

// ParseInstanceID reverses the codec.
func ParseInstanceID(id string) (ParsedInstanceID, error) {
	parts := strings.Split(id, "|")
	if len(parts) != 4 {
		return ParsedInstanceID{}, fmt.Errorf("instance id %q: want 4 segments, got %d", id, len(parts))
	}
	p := ParsedInstanceID{
		ObjectType: parts[0],
		NodeType:   parts[1],
		Kind:       parts[2],
	}
	key := parts[3]
	switch p.Kind {
	case "host":
		if n, err := strconv.ParseInt(key, 10, 64); err == nil {
			p.BkHostID = n
			return p, nil
		}
		sep := strings.LastIndex(key, "-")
		if sep <= 0 || sep == len(key)-1 {
			return ParsedInstanceID{}, fmt.Errorf("instance id %q: bad host key %q", id, key)
		}
		cloud, err := strconv.ParseInt(key[sep+1:], 10, 64)
		if err != nil {
			return ParsedInstanceID{}, fmt.Errorf("instance id %q: bad cloud id in %q", id, key)
		}
		p.InnerIP = key[:sep]
		p.CloudID = cloud
		return p, nil
	case "service":
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return ParsedInstanceID{}, fmt.Errorf("instance id %q: bad service key %q", id, key)
		}
		p.ServiceID = n
		return p, nil
	default:
		return ParsedInstanceID{}, fmt.Errorf("instance id %q: unknown kind %q", id, p.Kind)
	}
}
