package l2pop

// FdbEntry is one unicast forwarding entry: the MAC and IP a port
// answers on, plus the device owner that created it.
type FdbEntry struct {
	MACAddress  string `json:"mac_address"`
	IPAddress   string `json:"ip_address"`
	DeviceOwner string `json:"device_owner,omitempty"`
}

// FloodingEntry is the sentinel standing for the broadcast and
// unknown-destination path of a tunnel endpoint. Agents receiving it in
// an add payload wire the endpoint into their flood output lists;
// receiving it in a remove payload takes the endpoint out.
var FloodingEntry = FdbEntry{MACAddress: "00:00:00:00:00:00", IPAddress: "0.0.0.0"}

// NetworkFdb groups one network's forwarding entries by the tunnel
// endpoint that terminates them.
type NetworkFdb struct {
	SegmentationID uint32                `json:"segment_id"`
	NetworkType    string                `json:"network_type"`
	Ports          map[string][]FdbEntry `json:"ports"`
}

// FdbPayload is a forwarding-table delta keyed by network ID.
type FdbPayload map[string]*NetworkFdb

// IPChange lists the entries an address change removed from and added
// to one tunnel endpoint.
type IPChange struct {
	Before []FdbEntry `json:"before,omitempty"`
	After  []FdbEntry `json:"after,omitempty"`
}

// ChangedIPPayload maps network ID to tunnel endpoint to the entries
// that moved there.
type ChangedIPPayload map[string]map[string]*IPChange
