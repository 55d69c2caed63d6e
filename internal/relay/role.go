package relay

// Role is the closed set of participant roles in a session.
type Role string

const (
	// RoleController drives the session (a human operator UI).
	RoleController Role = "controller"
	// RoleObserver watches the session read-only.
	RoleObserver Role = "observer"
	// RoleAgent is the remote endpoint executing commands.
	RoleAgent Role = "agent"
)

// ParseRole validates a raw role claim against the closed enumeration.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleController, RoleObserver, RoleAgent:
		return Role(raw), true
	default:
		return "", false
	}
}

// fanoutTargets maps a sender role to the roles its application messages are
// delivered to. Observers cannot originate: their entry is empty and the hub
// answers them with an in-band FORBIDDEN error instead.
//
// Adding a role means extending this table; there is no string dispatch.
var fanoutTargets = map[Role][]Role{
	RoleAgent:      {RoleController, RoleObserver},
	RoleController: {RoleAgent},
	RoleObserver:   {},
}
