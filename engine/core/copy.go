package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// DeepCopy returns a deep copy of v. Markings, payloads and span attribute
// maps are copied through here so that buffered audit state never aliases
// live runtime state. Nil values copy to the zero value: row fields and
// patch values are frequently nil (an unset output, empty attributes) and
// must round-trip unchanged.
func DeepCopy[T any](v T) (T, error) {
	var zero T
	if any(v) == nil {
		return zero, nil
	}
	copied, ok := deepcopy.Copy(v).(T)
	if !ok {
		return zero, fmt.Errorf("failed to deep copy %T", v)
	}
	return copied, nil
}
