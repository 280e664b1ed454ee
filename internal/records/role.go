package records

import "strings"

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleOperator   Role = "operator"
)

// Capabilities describes what a role may do. The admission engine, auth
// middleware and HTTP handlers all read this table instead of comparing
// role strings.
type Capabilities struct {
	ManageRecords      bool
	ViewRecords        bool
	InfoOnlyScans      bool
	ResourceRestricted bool
}

var capabilities = map[Role]Capabilities{
	RoleAdmin:      {ManageRecords: true, ViewRecords: true, InfoOnlyScans: true},
	RoleSupervisor: {ViewRecords: true, InfoOnlyScans: true},
	RoleOperator:   {ResourceRestricted: true},
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := capabilities[r]
	return r, ok
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := capabilities[r]
	return ok
}

// Can returns the capability row for r. Unknown roles get no capabilities.
func (r Role) Can() Capabilities {
	return capabilities[r]
}

// CheckedResource is the resource kind an operator verifies: transport when
// bound to a bus, meal otherwise. ok is false for roles that never check a
// resource.
func (r Role) CheckedResource(assignment string) (kind ResourceKind, ok bool) {
	if !r.Can().ResourceRestricted {
		return "", false
	}
	if strings.TrimSpace(assignment) != "" {
		return Transport, true
	}
	return Meal, true
}
