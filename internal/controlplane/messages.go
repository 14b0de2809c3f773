// Package controlplane implements the gRPC and HTTP clients that talk to
// the control plane: replica discovery over HTTP polling, and the
// bidirectional topology subscription stream over gRPC. Its JSON codec is
// also used by the active-users gRPC server in package activity. The wire
// messages below are hand-written structs carrying
// json tags rather than protoc-generated bindings — see codec.go.
package controlplane

// Location mirrors a TenantKey without the cluster name.
type Location struct {
	Region    string `json:"region"`
	AZ        string `json:"available_zone"`
	Namespace string `json:"namespace"`
	NodeName  string `json:"node_name,omitempty"`
}

// SubscribeID identifies the subscribing proxy instance on the stream.
type SubscribeID struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

// SubscribeNamespaceRequest is sent by the proxy on the outbound half of
// the topology stream each time a new tenant key needs watching.
type SubscribeNamespaceRequest struct {
	DBLocation  Location    `json:"db_location"`
	SubscribeID SubscribeID `json:"subscribe_id"`
	Force       bool        `json:"force"`
	Label       string      `json:"label,omitempty"`
}

// Endpoint is one network endpoint of a discovered DBService.
type Endpoint struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	PortName string `json:"port_name"`
}

// DBService describes one backend cluster instance as reported by the
// control plane.
type DBService struct {
	Cluster   string     `json:"cluster"`
	Location  Location   `json:"location"`
	Endpoints []Endpoint `json:"endpoints"`
	Status    string     `json:"status"`
}

// ChangeEvent wraps a DBService update on the topology stream.
type ChangeEvent struct {
	Service DBService `json:"service"`
}

// ResponsePayload is a tagged union; exactly one field is populated,
// matching the oneof on the wire side this was derived from.
type ResponsePayload struct {
	ChangeEvent *ChangeEvent `json:"change_event,omitempty"`
}

// Response is the server-to-client message on the topology stream.
type Response struct {
	Status  int32           `json:"status"`
	Message string          `json:"message,omitempty"`
	Payload ResponsePayload `json:"payload"`
}

// UserCom is one fingerprinted user/command record shipped to the control
// plane's active-users sink.
type UserCom struct {
	Cluster string  `json:"cluster"`
	User    string  `json:"user"`
	Com     []uint8 `json:"com"`
	ComTS   int64   `json:"com_ts"`
}

// ControlPlaneResponse carries a batch of UserCom records, capped at 15 per
// chunk, on the ActiveUsers stream.
type ControlPlaneResponse struct {
	Records []UserCom `json:"records"`
}

// ClusterMember is one row of the /api/v1/cluster-members HTTP response.
type ClusterMember struct {
	Name       string `json:"Name"`
	Generation uint64 `json:"Generation"`
	Role       string `json:"Role"`
	GossipAddr string `json:"GossipAddr"`
	ServiceAddr string `json:"ServiceAddr"`
	Address    string `json:"Address"`
	Ready      bool   `json:"Ready"`
}
