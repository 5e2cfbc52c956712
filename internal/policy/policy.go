// Package policy gates write access to terminal sessions.
//
// Roles are coarse capability levels resolved at connection time; owner and
// allowed-identity sets are per-session fine-grained grants. Read access is
// never gated here: anyone who can reach a session may observe its output.
package policy

// Role is the capability level of a connection.
type Role string

const (
	RoleAnonymous  Role = "Anonymous"
	RoleViewer     Role = "Viewer"
	RoleUser       Role = "User"
	RoleOwner      Role = "Owner"
	RoleSupervisor Role = "Supervisor"
)

// ParseRole maps a transport-supplied role string onto a known Role.
// Unknown or empty values degrade to Anonymous.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleViewer, RoleUser, RoleOwner, RoleSupervisor:
		return Role(s)
	default:
		return RoleAnonymous
	}
}

// Identity is an opaque user principal (or connection fingerprint when the
// deployment runs without an auth provider).
type Identity string

// Access is the per-session ownership metadata the rules evaluate against.
type Access struct {
	Owner Identity
	// Allowed holds identities granted write access beyond the owner.
	Allowed map[Identity]bool
	// AllowAnyAuthenticated permits writes from any non-viewer identity.
	AllowAnyAuthenticated bool
}

// CanWrite decides whether the given connection may write to (or resize,
// or close) a session. Rules are evaluated in order; the first match wins.
func CanWrite(role Role, ident Identity, a Access, openMode bool) bool {
	switch role {
	case RoleAnonymous:
		// Anonymous writes are only permitted in open (auth-less) mode.
		return openMode
	case RoleViewer:
		return false
	}
	if ident != "" && ident == a.Owner {
		return true
	}
	if role == RoleSupervisor || role == RoleOwner {
		return true
	}
	if a.Allowed[ident] {
		return true
	}
	if a.AllowAnyAuthenticated {
		return true
	}
	return false
}
