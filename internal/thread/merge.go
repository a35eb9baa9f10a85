package thread

import (
	"fmt"
	"strings"
)

type MergeStrategy string

const (
	MergeLatest        MergeStrategy = "latest"
	MergeMasterSlave   MergeStrategy = "master_slave"
	MergeBidirectional MergeStrategy = "bidirectional"
)

func MergeStrategies() []MergeStrategy {
	return []MergeStrategy{MergeLatest, MergeMasterSlave, MergeBidirectional}
}

func ParseMergeStrategy(raw string) (MergeStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "latest":
		return MergeLatest, nil
	case "master_slave", "master-slave", "masterslave":
		return MergeMasterSlave, nil
	case "bidirectional", "bi", "both":
		return MergeBidirectional, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
	}
}

// CopyMap is a shallow copy. A nil input yields an empty, non-nil map.
func CopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

// MergeMaps returns dst updated with every key of src. Neither input is
// modified and src wins on conflicting keys.
func MergeMaps(dst, src map[string]any) map[string]any {
	out := CopyMap(dst)
	for key, value := range src {
		out[key] = value
	}
	return out
}

// PatchMap is MergeMaps where a nil value in patch removes the key.
func PatchMap(dst, patch map[string]any) map[string]any {
	out := CopyMap(dst)
	for key, value := range patch {
		if value == nil {
			delete(out, key)
			continue
		}
		out[key] = value
	}
	return out
}
