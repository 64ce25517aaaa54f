package catalog

import "fmt"

// NotFoundError is returned by Lookup when no definition exists for a tag.
type NotFoundError struct {
	Tag string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("catalog: no record type definition for tag %q", e.Tag)
}

// ValidationError lists every problem found in a catalog definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "catalog: invalid definition: " + e.Problems[0]
	}
	return fmt.Sprintf("catalog: invalid definition: %s (and %d more)", e.Problems[0], len(e.Problems)-1)
}
