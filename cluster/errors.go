package cluster

import (
	"errors"
	"fmt"
)

// ErrClusterNotFound is returned for ids that do not name a cluster of the index.
var ErrClusterNotFound = errors.New("cluster not found")

// InvalidPointError reports an input point skipped by Build.
type InvalidPointError struct {
	Index  int32
	Reason string
}

func (e *InvalidPointError) Error() string {
	return fmt.Sprintf("invalid point %d: %s", e.Index, e.Reason)
}
