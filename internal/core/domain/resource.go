package domain

// ResourceID uniquely identifies a schedulable resource.
type ResourceID string

// Resource represents a capacity-bounded resource independent of what
// it physically is (a machine, a person, a license pool).
type Resource struct {
	ID       ResourceID `json:"id"`
	Name     string     `json:"name"`
	Capacity float64    `json:"capacity"` // units held concurrently at most
	// Pool groups interchangeable resources. A requirement declared
	// against one member may be satisfied by another member of the
	// same non-empty pool.
	Pool string `json:"pool,omitempty"`
}

// Satisfies reports whether this resource can stand in for a
// requirement declared against want: either it is want itself, or
// both belong to the same pool.
func (r *Resource) Satisfies(want *Resource) bool {
	if r.ID == want.ID {
		return true
	}
	return r.Pool != "" && r.Pool == want.Pool
}
