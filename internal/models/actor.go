package models

// Role is the closed set of roles the fulfillment core cares about. Role
// membership is resolved by the identity service; this package only names
// the roles that gate fulfillment operations.
type Role string

const (
	RoleService   Role = "service"   // machine-to-machine callers (payment gateway, backfill jobs)
	RoleOrganizer Role = "organizer" // event staff with administrative rights
	RoleScanner   Role = "scanner"   // door staff allowed to scan tickets
	RoleAttendee  Role = "attendee"  // regular authenticated user
)

// Actor is the explicit caller identity threaded through every mutating
// call. Nothing below the API layer infers who is calling it.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Roles []Role `json:"roles"`
}

func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SystemActor is used for scheduled jobs (transfer expiry sweep) where no
// human or external service initiated the mutation.
var SystemActor = Actor{ID: "system", Roles: []Role{RoleService}}
