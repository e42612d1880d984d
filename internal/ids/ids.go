package ids

import "github.com/segmentio/ksuid"

// New returns a sortable, globally unique row identifier.
func New() string {
	return ksuid.New().String()
}
