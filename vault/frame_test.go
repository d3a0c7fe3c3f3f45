package vault

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFreshnessBounds(t *testing.T) {
	now := time.Now()
	f := &Frame{CreatedAt: now, TTLMS: 60_000}

	assert.Equal(t, 1.0, f.Freshness(now), "age 0 is fully fresh")
	assert.Equal(t, 0.0, f.Freshness(now.Add(time.Minute)), "at ttl freshness is 0")
	assert.Equal(t, 0.0, f.Freshness(now.Add(time.Hour)), "past ttl stays 0")
	assert.InDelta(t, 0.5, f.Freshness(now.Add(30*time.Second)), 1e-9)

	pinned := &Frame{CreatedAt: now.Add(-24 * time.Hour), TTLMS: 1, Pinned: true}
	assert.Equal(t, 1.0, pinned.Freshness(now), "pinned frames never go stale")

	noTTL := &Frame{CreatedAt: now.Add(-24 * time.Hour)}
	assert.Equal(t, 1.0, noTTL.Freshness(now), "no ttl, no staleness")
}

func TestFreshnessMonotonicNonIncreasing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Unix(1_700_000_000, 0)
	properties.Property("freshness never increases with age", prop.ForAll(
		func(ttlMS int64, age1, age2 int64) bool {
			if age1 > age2 {
				age1, age2 = age2, age1
			}
			f := &Frame{CreatedAt: base, TTLMS: ttlMS}
			f1 := f.Freshness(base.Add(time.Duration(age1) * time.Millisecond))
			f2 := f.Freshness(base.Add(time.Duration(age2) * time.Millisecond))
			return f1 >= f2 && f1 <= 1 && f2 >= 0
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(0, 2_000_000),
		gen.Int64Range(0, 2_000_000),
	))
	properties.TestingRun(t)
}

func TestSignIsDeterministicAndContentSensitive(t *testing.T) {
	f := &Frame{
		ID:        "frame_1",
		Scope:     ScopeTenant,
		Theme:     "pricing",
		Summary:   "Launch pricing decisions",
		Claims:    []string{"Base plan is $10/mo", "Enterprise is custom"},
		Citations: []string{"https://example.com/pricing"},
		Version:   "1.0.0",
	}
	sig := f.Sign()
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, f.Sign())

	g := *f
	g.Claims = []string{"Base plan is $12/mo", "Enterprise is custom"}
	assert.NotEqual(t, sig, g.Sign())
}

func TestFrameValidate(t *testing.T) {
	valid := &Frame{
		ID:        "frame_1",
		Scope:     ScopeRun,
		Theme:     "pricing",
		Claims:    []string{"claim"},
		Citations: []string{"https://x"},
	}
	assert.NoError(t, valid.Validate())

	cases := []func(*Frame){
		func(f *Frame) { f.ID = "" },
		func(f *Frame) { f.Scope = "galactic" },
		func(f *Frame) { f.Theme = "" },
		func(f *Frame) { f.Claims = nil },
		func(f *Frame) { f.Citations = nil },
	}
	for i, mutate := range cases {
		f := *valid
		f.Claims = append([]string(nil), valid.Claims...)
		f.Citations = append([]string(nil), valid.Citations...)
		mutate(&f)
		assert.Error(t, f.Validate(), "case %d", i)
	}
}

func TestBumpPatch(t *testing.T) {
	assert.Equal(t, "1.0.1", bumpPatch("1.0.0"))
	assert.Equal(t, "2.3.10", bumpPatch("2.3.9"))
	assert.Equal(t, "1.0.1", bumpPatch("garbage"))
}
