package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStaticCatalog_Defaults(t *testing.T) {
	cat, err := NewStaticCatalog(
		Capability{ID: "upscale", Pricing: Fixed(66), FreeAllowance: 1},
		Capability{ID: "summarize", Pricing: Computed(PerUnit("pages", 2, 1, true))},
		Capability{ID: "transcribe", Pricing: DeferredComputed(PerUnit("duration_seconds", 0.5, 1, true)), Estimate: 10},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, cat.Len())
	assert.Equal(t, []string{"summarize", "transcribe", "upscale"}, cat.IDs())

	upscale, err := cat.Lookup("upscale")
	require.NoError(t, err)
	assert.Equal(t, CountCompletedOnly, upscale.QuotaRule)
	assert.Equal(t, ChargeAtAdmission, upscale.Charge)
	assert.False(t, upscale.IsDeferred())

	summarize, err := cat.Lookup("summarize")
	require.NoError(t, err)
	assert.Equal(t, ChargeAtAdmission, summarize.Charge)

	transcribe, err := cat.Lookup("transcribe")
	require.NoError(t, err)
	assert.Equal(t, ChargeAtSettlement, transcribe.Charge)
	assert.True(t, transcribe.IsDeferred())
}

func TestStaticCatalog_LookupReturnsCopy(t *testing.T) {
	cat, err := NewStaticCatalog(Capability{ID: "upscale", Pricing: Fixed(66), FreeAllowance: 1})
	require.NoError(t, err)

	c, err := cat.Lookup("upscale")
	require.NoError(t, err)
	c.FreeAllowance = 100

	again, err := cat.Lookup("upscale")
	require.NoError(t, err)
	assert.Equal(t, 1, again.FreeAllowance)

	_, err = cat.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestNewStaticCatalog_RejectsInvalidDefinitions(t *testing.T) {
	fn := PerUnit("units", 1, 0, false)

	tests := []struct {
		name string
		caps []Capability
	}{
		{"empty id", []Capability{{Pricing: Fixed(1)}}},
		{"zero pricing", []Capability{{ID: "a"}}},
		{"negative fixed amount", []Capability{{ID: "a", Pricing: Fixed(-1)}}},
		{"computed without function", []Capability{{ID: "a", Pricing: Computed(nil)}}},
		{"negative allowance", []Capability{{ID: "a", Pricing: Fixed(1), FreeAllowance: -1}}},
		{"unknown quota rule", []Capability{{ID: "a", Pricing: Fixed(1), QuotaRule: "sometimes"}}},
		{"unknown charge mode", []Capability{{ID: "a", Pricing: Fixed(1), Charge: "later"}}},
		{"negative estimate", []Capability{{ID: "a", Pricing: DeferredComputed(fn), Estimate: -5}}},
		{"deferred charged at admission", []Capability{{ID: "a", Pricing: DeferredComputed(fn), Charge: ChargeAtAdmission}}},
		{"computed charged at settlement", []Capability{{ID: "a", Pricing: Computed(fn), Charge: ChargeAtSettlement}}},
		{"duplicate id", []Capability{{ID: "a", Pricing: Fixed(1)}, {ID: "a", Pricing: Fixed(2)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStaticCatalog(tt.caps...)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestPricingPolicy(t *testing.T) {
	perPage := PerUnit("pages", 2, 0, false)

	t.Run("fixed", func(t *testing.T) {
		p := Fixed(66)
		planned, err := p.Planned(nil, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(66), planned)

		final, err := p.Final(planned, map[string]any{"ignored": 1})
		require.NoError(t, err)
		assert.Equal(t, int64(66), final)
	})

	t.Run("computed uses the admission payload", func(t *testing.T) {
		p := Computed(perPage)
		planned, err := p.Planned(map[string]any{"pages": 12}, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(24), planned)

		final, err := p.Final(planned, map[string]any{"pages": 99})
		require.NoError(t, err)
		assert.Equal(t, int64(24), final, "final cost is the planned cost")

		_, err = p.Planned(map[string]any{}, 0)
		assert.Error(t, err)
	})

	t.Run("deferred uses the estimate then the result", func(t *testing.T) {
		p := DeferredComputed(perPage)
		planned, err := p.Planned(map[string]any{"pages": 12}, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(7), planned)

		final, err := p.Final(planned, map[string]any{"pages": 5})
		require.NoError(t, err)
		assert.Equal(t, int64(10), final)
	})

	t.Run("negative computed cost is rejected", func(t *testing.T) {
		p := Computed(func(map[string]any) (int64, error) { return -3, nil })
		_, err := p.Planned(nil, 0)
		assert.Error(t, err)
	})
}
