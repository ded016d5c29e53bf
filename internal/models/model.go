package models

import "time"

// ModelDescriptor describes a model the inference service reports as locally available.
type ModelDescriptor struct {
	Name string

	// Size and ModifiedAt are passed through from the registry listing when the service reports them.
	Size       int64
	ModifiedAt time.Time
}

// ModelNames returns the names of the given descriptors, preserving their order.
func ModelNames(models []ModelDescriptor) []string {
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names
}
