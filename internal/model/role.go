package model

import "strings"

// Role is the clearance level of an account. Roles form a strict
// order and every privileged operation declares the minimum role it
// requires. The organizer capability is intentionally not a role:
// it is granted per event and checked separately (see Event).
type Role string

// The four roles in ascending order of privilege.
const (
	RoleRegular   Role = "REGULAR"
	RoleCashier   Role = "CASHIER"
	RoleManager   Role = "MANAGER"
	RoleSuperuser Role = "SUPERUSER"
)

// rank maps each role to its numeric position in the order
// REGULAR(0) < CASHIER(1) < MANAGER(2) < SUPERUSER(3).
var rank = map[Role]int{
	RoleRegular:   0,
	RoleCashier:   1,
	RoleManager:   2,
	RoleSuperuser: 3,
}

// ParseRole normalizes a role string and reports whether it names a
// known role. Unknown strings yield ok=false rather than a default so
// that callers can reject bad input explicitly.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := rank[r]
	return r, ok
}

// Valid reports whether the role is one of the four known roles.
func (r Role) Valid() bool {
	_, ok := rank[r]
	return ok
}

// Rank returns the numeric rank of the role. Unknown roles rank below
// REGULAR so that a corrupted claim never passes a minimum-role check.
func (r Role) Rank() int {
	if n, ok := rank[r]; ok {
		return n
	}
	return -1
}

// AtLeast reports whether the role meets the given minimum role.
func (r Role) AtLeast(min Role) bool {
	return r.Rank() >= min.Rank()
}
