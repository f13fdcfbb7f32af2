package store

// ErrNotFound is returned when a requested entity does not exist.
// internal/memsvc and internal/registry translate this into
// contracts.NewNotFoundError / contracts.NewUnknownAgentError as
// appropriate for the caller-facing wire code.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrDuplicate is returned when a create operation collides with an
// existing unique key (e.g. agent_id already registered).
type ErrDuplicate struct {
	Entity string
	Key    string
}

func (e *ErrDuplicate) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// ErrCycle reports that a parent_memory_id would introduce a cycle
// (spec.md §4.F invariant). Neither backend returns it from
// InsertMemory/UpdateMemory; internal/memsvc's checkAcyclic builds it
// and translates it into a validation error.
type ErrCycle struct {
	MemoryID string
}

func (e *ErrCycle) Error() string {
	return "parent_memory_id introduces a cycle for memory " + e.MemoryID
}
