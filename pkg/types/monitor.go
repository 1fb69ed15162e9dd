package types

import (
	"encoding/json"
	"fmt"
)

// MonitorType identifies the kind of check the service runs for a monitor.
// Values are the service's own lowercase wire names.
type MonitorType string

const (
	MonitorHTTP        MonitorType = "http"
	MonitorPort        MonitorType = "port"
	MonitorPing        MonitorType = "ping"
	MonitorKeyword     MonitorType = "keyword"
	MonitorGRPCKeyword MonitorType = "grpc-keyword"
	MonitorDNS         MonitorType = "dns"
	MonitorDocker      MonitorType = "docker"
	MonitorPush        MonitorType = "push"
	MonitorSteam       MonitorType = "steam"
	MonitorGamedig     MonitorType = "gamedig"
	MonitorGroup       MonitorType = "group"
	MonitorMQTT        MonitorType = "mqtt"
	MonitorSQLServer   MonitorType = "sqlserver"
	MonitorPostgres    MonitorType = "postgres"
	MonitorMySQL       MonitorType = "mysql"
	MonitorMongoDB     MonitorType = "mongodb"
	MonitorRadius      MonitorType = "radius"
	MonitorRedis       MonitorType = "redis"
)

// Valid reports whether t is one of the monitor types the service accepts.
func (t MonitorType) Valid() bool {
	switch t {
	case MonitorHTTP, MonitorPort, MonitorPing, MonitorKeyword, MonitorGRPCKeyword,
		MonitorDNS, MonitorDocker, MonitorPush, MonitorSteam, MonitorGamedig,
		MonitorGroup, MonitorMQTT, MonitorSQLServer, MonitorPostgres, MonitorMySQL,
		MonitorMongoDB, MonitorRadius, MonitorRedis:
		return true
	}
	return false
}

// Method is the HTTP method an http-type monitor uses. Uppercase on the wire.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// Valid reports whether m is one of the methods the service accepts.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions:
		return true
	}
	return false
}

// Monitor is a single uptime check configuration tracked by the remote
// service. JSON tags follow the service's wire vocabulary verbatim, including
// the field literally named "type" and the legacy "accepted_statuscodes"
// spelling; both are contract requirements.
//
// ID is assigned by the server and stays nil until creation succeeds.
// PathName arrives on pushed snapshots for monitors nested under a group but
// must never be transmitted back; outbound serialization drops it.
type Monitor struct {
	ID                  *int64      `json:"id,omitempty"`
	Name                string      `json:"name"`
	Type                MonitorType `json:"type"`
	URL                 string      `json:"url,omitempty"`
	Parent              *int64      `json:"parent,omitempty"`
	PathName            string      `json:"pathName,omitempty"`
	AcceptedStatusCodes []string    `json:"accepted_statuscodes"`
	ExpiryNotification  bool        `json:"expiry_notification"`
	Method              Method      `json:"method,omitempty"`
	Interval            int         `json:"interval"`
}

// NewMonitor builds a monitor with the service defaults: http type unless one
// is given, a single accepted status range of 200-299, HEAD probes every 90
// seconds, expiry notifications on.
func NewMonitor(name string, monitorType MonitorType) Monitor {
	if monitorType == "" {
		monitorType = MonitorHTTP
	}
	return Monitor{
		Name:                name,
		Type:                monitorType,
		AcceptedStatusCodes: []string{"200-299"},
		ExpiryNotification:  true,
		Method:              MethodHead,
		Interval:            90,
	}
}

// UID returns the locally computed identity key for the monitor, derived from
// the parent group id (0 when absent) and the name. It is pure and stable
// across serialization round-trips, and is how the client deduplicates
// monitors that have no server-assigned id yet.
func (m Monitor) UID() string {
	var parent int64
	if m.Parent != nil {
		parent = *m.Parent
	}
	return fmt.Sprintf("%d-%s", parent, m.Name)
}

// WithID returns a copy of the monitor carrying the server-assigned id.
func (m Monitor) WithID(id int64) Monitor {
	m.ID = &id
	return m
}

// monitorWire mirrors Monitor without PathName. The service reports pathName
// on snapshots but rejects create payloads that echo it back.
type monitorWire struct {
	ID                  *int64      `json:"id,omitempty"`
	Name                string      `json:"name"`
	Type                MonitorType `json:"type"`
	URL                 string      `json:"url,omitempty"`
	Parent              *int64      `json:"parent,omitempty"`
	AcceptedStatusCodes []string    `json:"accepted_statuscodes"`
	ExpiryNotification  bool        `json:"expiry_notification"`
	Method              Method      `json:"method,omitempty"`
	Interval            int         `json:"interval"`
}

// MarshalJSON serializes the monitor in its outbound wire shape.
func (m Monitor) MarshalJSON() ([]byte, error) {
	return json.Marshal(monitorWire{
		ID:                  m.ID,
		Name:                m.Name,
		Type:                m.Type,
		URL:                 m.URL,
		Parent:              m.Parent,
		AcceptedStatusCodes: m.AcceptedStatusCodes,
		ExpiryNotification:  m.ExpiryNotification,
		Method:              m.Method,
		Interval:            m.Interval,
	})
}
