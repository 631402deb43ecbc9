// Package identity holds the fixed authorized-component list of §6. It is
// the one static list the KeyVault (C1) and Broker (C5) consult; nothing
// else in the fabric is allowed to grow or shrink it at runtime.
package identity

// ID is a component identity string, e.g. "message_bus_broker".
type ID string

const (
	Broker             ID = "message_bus_broker"
	APIGateway         ID = "message_bus_client_api_gateway"
	LogConsumer        ID = "message_bus_client_log_consumer"
	Scheduler          ID = "message_bus_client_scheduler"
	CLI                ID = "message_bus_client_cli"
	ModelService       ID = "message_bus_client_modelservice"
	SystemHost         ID = "message_bus_client_system_host"
	BackendModules     ID = "message_bus_client_backend_modules"
)

// adminCapable is the subset of §6 marked '*'.
var adminCapable = map[ID]bool{
	APIGateway: true,
	Scheduler:  true,
	CLI:        true,
	SystemHost: true,
}

// authorized is the fixed allow-list of every identity the broker accepts
// connections from. Order is irrelevant; membership is what matters.
var authorized = map[ID]bool{
	Broker:         true,
	APIGateway:     true,
	LogConsumer:    true,
	Scheduler:      true,
	CLI:            true,
	ModelService:   true,
	SystemHost:     true,
	BackendModules: true,
}

// IsAuthorized reports whether id is in the fixed allow-list.
func IsAuthorized(id ID) bool {
	return authorized[id]
}

// IsAdminCapable reports whether id may issue control/... requests (§4.10).
func IsAdminCapable(id ID) bool {
	return adminCapable[id]
}

// All returns every authorized identity, for KeyVault.authorized_client_keys.
func All() []ID {
	out := make([]ID, 0, len(authorized))
	for id := range authorized {
		out = append(out, id)
	}
	return out
}
