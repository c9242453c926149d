package usage

// LedgerData is the root structure stored in persistence.
type LedgerData struct {
	Version  string                  `json:"version"`
	Services map[string]ServiceUsage `json:"services"`
}

// ServiceUsage holds one service's unit consumption for the current UTC
// day plus a lifetime counter that survives day rollovers.
type ServiceUsage struct {
	Day      string `json:"day"`
	Used     int64  `json:"used"`
	Calls    int64  `json:"calls"`
	Lifetime int64  `json:"lifetime"`
}
