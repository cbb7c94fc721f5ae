package testutil

// FixedRunID generates the same run id every time, so journal rows and dump
// output are reproducible across test runs.
type FixedRunID struct {
	id string
}

// NewFixedRunID returns a generator for id. An empty id yields
// "test-run-default".
func NewFixedRunID(id string) FixedRunID {
	if id == "" {
		id = "test-run-default"
	}
	return FixedRunID{id: id}
}

// Generate returns the fixed id.
func (g FixedRunID) Generate() string {
	return g.id
}
