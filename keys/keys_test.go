package keys

import (
	"regexp"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyShape = regexp.MustCompile(`^[A-Z_]+:[a-f0-9]{16}$`)

func TestForTaskShape(t *testing.T) {
	key := ForTask("QA", map[string]any{"story": "S1"}, "1")
	assert.Regexp(t, keyShape, key)
}

func TestForTaskDeterministic(t *testing.T) {
	a := ForTask("INTAKE", map[string]any{"a": 1, "b": "x", "c": []any{"y", "z"}}, "2")
	b := ForTask("INTAKE", map[string]any{"c": []any{"y", "z"}, "b": "x", "a": 1}, "2")
	require.Equal(t, a, b)
}

func TestForTaskDistinguishesVersion(t *testing.T) {
	a := ForTask("PRD", map[string]any{"story": "S1"}, "1")
	b := ForTask("PRD", map[string]any{"story": "S1"}, "2")
	assert.NotEqual(t, a, b)
}

func TestForShardKeepsParentPrefix(t *testing.T) {
	parent := ForTask("QA", map[string]any{"items": 12}, "1")
	shard := ForShard(parent, 3)
	assert.Equal(t, parent+"-shard-3", shard)
}

// Key permutation invariance over arbitrary flat input maps.
func TestForTaskPermutationInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("key ignores input insertion order", prop.ForAll(
		func(m map[string]string) bool {
			inputs := make(map[string]any, len(m))
			reversed := make(map[string]any, len(m))
			ordered := make([]string, 0, len(m))
			for k := range m {
				ordered = append(ordered, k)
			}
			for _, k := range ordered {
				inputs[k] = m[k]
			}
			for i := len(ordered) - 1; i >= 0; i-- {
				reversed[ordered[i]] = m[ordered[i]]
			}
			return ForTask("DEPLOY", inputs, "1") == ForTask("DEPLOY", reversed, "1")
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.Property("key matches the documented shape", prop.ForAll(
		func(m map[string]string) bool {
			inputs := make(map[string]any, len(m))
			for k, v := range m {
				inputs[k] = v
			}
			return keyShape.MatchString(ForTask("IDEATION", inputs, "3"))
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestForMessageStableAndShort(t *testing.T) {
	a := ForMessage("tasks", []byte(`{"x":1}`))
	b := ForMessage("tasks", []byte(`{"x":1}`))
	c := ForMessage("other", []byte(`{"x":1}`))
	require.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, HexLen)
}

func TestCanonicalNestedMaps(t *testing.T) {
	a := Canonical(map[string]any{"outer": map[string]any{"b": 2, "a": 1}})
	b := Canonical(map[string]any{"outer": map[string]any{"a": 1, "b": 2}})
	assert.Equal(t, a, b)
	assert.JSONEq(t, `{"outer":{"a":1,"b":2}}`, string(a))
}
