package api

// CallRequest is the JSON body for POST /call.
type CallRequest struct {
	// Payload is the hex-encoded call payload (selector plus arguments).
	Payload string `json:"payload"`
	Value   uint64 `json:"value,omitempty"`
}

// CallResponse is returned for a successfully dispatched call.
type CallResponse struct {
	CallID string `json:"call_id"`
	Path   string `json:"path"`
	Output string `json:"output,omitempty"`
}

// UpgradeRequest is the JSON body for POST /governor/upgrade.
type UpgradeRequest struct {
	// Module is the target revision label, e.g. "ledger@2".
	Module string `json:"module"`

	// Init is the hex-encoded initialization payload, empty for none.
	Init  string `json:"init,omitempty"`
	Value uint64 `json:"value,omitempty"`
}

// TransferRequest is the JSON body for POST /governor/transfer.
type TransferRequest struct {
	// NewOwner is the hex identity receiving ownership.
	NewOwner string `json:"new_owner"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Service       string `json:"service"`
	Dispatcher    string `json:"dispatcher"`
	Module        string `json:"module,omitempty"`
	ModuleRef     string `json:"module_ref"`
	Authority     string `json:"authority"`
	Governor      string `json:"governor"`
	Owner         string `json:"owner"`
	Calls         int64  `json:"calls"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ModuleSummary describes one registered revision in GET /modules.
type ModuleSummary struct {
	Name       string   `json:"name"`
	Version    uint64   `json:"version"`
	Label      string   `json:"label"`
	Ref        string   `json:"ref"`
	Supersedes uint64   `json:"supersedes,omitempty"`
	Fields     []string `json:"fields"`
	Selectors  []string `json:"selectors"`
}

// ModuleListResponse is returned by GET /modules.
type ModuleListResponse struct {
	Modules []ModuleSummary `json:"modules"`
}

// ErrorResponse is returned on errors. Code and Kind are set for engine
// faults; Payload carries a delegated failure's bytes hex-encoded.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Dispatcher    string `json:"dispatcher"`
	Calls         int64  `json:"calls"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
