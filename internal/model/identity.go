// Package model defines data structures for the support chat gateway.
package model

// Role is the role of an authenticated subject.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent
}

// Identity is the verified subject behind a connection or request.
// It is only ever built from a verified token.
type Identity struct {
	SubjectID string `json:"subjectId"`
	Role      Role   `json:"role"`
}

// IsAgent returns true for support agents.
func (i Identity) IsAgent() bool {
	return i.Role == RoleAgent
}

// CanAccess reports whether the identity may read or write the given conversation.
// Agents see every conversation; a customer only sees its own.
func (i Identity) CanAccess(conversationID string) bool {
	if i.IsAgent() {
		return true
	}
	return i.Role == RoleCustomer && conversationID != "" && conversationID == i.SubjectID
}

// ValidID reports whether id is usable as a subject or conversation id.
// Ids end up in storage keys and NATS subjects, so the charset is narrow.
func ValidID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
