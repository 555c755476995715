package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashJSON fingerprints v by its JSON encoding; map keys are sorted by
// encoding/json, so equal values hash equal. 0 means "unknown".
func hashJSON(v any) uint64 {
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(v); err != nil {
		return 0
	}
	return h.Sum64()
}
