// Package keys implements the idempotence key algebra shared by the scheduler
// and the job queue. A key identifies a logical unit of work so duplicate
// enqueues of the same work are detectable regardless of which process
// produced them.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// HexLen is the number of hex characters retained from the SHA-256 digest.
const HexLen = 16

// ForTask derives the idempotence key for a task. The key has the shape
// "{phase}:{16-hex}" where the digest covers the phase, the canonicalized
// inputs, and the plan version. Keys are invariant under map iteration order:
// inputs are serialized with sorted keys.
func ForTask(phase string, inputs map[string]any, version string) string {
	payload := map[string]any{
		"phase":   phase,
		"inputs":  inputs,
		"version": version,
	}
	return phase + ":" + Hex16(Canonical(payload))
}

// ForMessage derives a key for an arbitrary queue message when the producer
// did not supply one. The digest covers the topic and the raw payload.
func ForMessage(topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:HexLen]
}

// ForShard derives the idempotence key of shard i of a parent task. The parent
// key remains a prefix so shard keys sort and group next to their parent.
func ForShard(parentKey string, index int) string {
	return fmt.Sprintf("%s-shard-%d", parentKey, index)
}

// Hex16 returns the first 16 hex characters of the SHA-256 digest of b.
func Hex16(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:HexLen]
}

// Canonical serializes v to canonical JSON: object keys sorted, UTF-8, no
// insignificant whitespace. Values that cannot be marshaled are rendered with
// %v so canonicalization never fails for the map-of-primitives inputs the
// engine passes around.
func Canonical(v any) []byte {
	b, err := json.Marshal(canonicalize(v))
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return b
}

// canonicalize rewrites maps into ordered key/value pair slices so the JSON
// encoder emits deterministic output. encoding/json already sorts
// map[string]X keys, but nested map[any]any values (e.g. decoded YAML) do
// not round-trip, so normalize everything up front.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = canonicalize(val)
		}
		return canonicalize(out)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}
