package domain

// SetResolver answers membership queries for the named sets referenced by
// "in" conditions. Implementations must be safe for concurrent use.
type SetResolver interface {
	// Contains reports whether member belongs to the named set. ok is false
	// when the set is unknown.
	Contains(set, member string) (found bool, ok bool)

	// HasSet reports whether the named set is known.
	HasSet(name string) bool
}
