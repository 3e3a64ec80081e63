package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Definition is the file representation of a capability.
type Definition struct {
	ID            string        `mapstructure:"id"`
	DisplayName   string        `mapstructure:"display_name"`
	Pricing       PricingConfig `mapstructure:"pricing"`
	FreeAllowance int           `mapstructure:"free_allowance"`
	QuotaRule     string        `mapstructure:"quota_rule"`
	Charge        string        `mapstructure:"charge"`
	Estimate      int64         `mapstructure:"estimate"`
}

// PricingConfig describes a pricing variant and, for computed variants, the
// formula used to derive the cost.
type PricingConfig struct {
	Kind    string  `mapstructure:"kind"`    // fixed | computed | deferred
	Formula string  `mapstructure:"formula"` // per_unit | tiered
	Amount  int64   `mapstructure:"amount"`
	Field   string  `mapstructure:"field"`
	Rate    float64 `mapstructure:"rate"`
	Minimum int64   `mapstructure:"minimum"`
	RoundUp bool    `mapstructure:"round_up"`
	Tiers   []Tier  `mapstructure:"tiers"`
}

// Tier prices values up to UpTo (inclusive). UpTo of zero on the last tier
// means unbounded.
type Tier struct {
	UpTo   float64 `mapstructure:"up_to"`
	Amount int64   `mapstructure:"amount"`
}

// Capability converts the definition into a Capability
func (d Definition) Capability() (Capability, error) {
	pricing, err := d.Pricing.policy()
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, d.ID, err)
	}
	return Capability{
		ID:            d.ID,
		DisplayName:   d.DisplayName,
		Pricing:       pricing,
		FreeAllowance: d.FreeAllowance,
		QuotaRule:     QuotaRule(d.QuotaRule),
		Charge:        ChargeMode(d.Charge),
		Estimate:      d.Estimate,
	}, nil
}

func (s PricingConfig) policy() (PricingPolicy, error) {
	switch PricingKind(s.Kind) {
	case PricingFixed:
		return Fixed(s.Amount), nil
	case PricingComputed:
		fn, err := s.costFunc()
		if err != nil {
			return PricingPolicy{}, err
		}
		return Computed(fn), nil
	case PricingDeferredComputed:
		fn, err := s.costFunc()
		if err != nil {
			return PricingPolicy{}, err
		}
		return DeferredComputed(fn), nil
	}
	return PricingPolicy{}, fmt.Errorf("unknown pricing kind %q", s.Kind)
}

func (s PricingConfig) costFunc() (CostFunc, error) {
	if s.Field == "" {
		return nil, fmt.Errorf("formula %q requires a field", s.Formula)
	}
	switch s.Formula {
	case "per_unit":
		if s.Rate < 0 || s.Minimum < 0 {
			return nil, fmt.Errorf("per_unit rate and minimum must be non-negative")
		}
		return PerUnit(s.Field, s.Rate, s.Minimum, s.RoundUp), nil
	case "tiered":
		if len(s.Tiers) == 0 {
			return nil, fmt.Errorf("tiered formula requires at least one tier")
		}
		for i := 1; i < len(s.Tiers); i++ {
			last := i == len(s.Tiers)-1
			if s.Tiers[i].UpTo <= s.Tiers[i-1].UpTo && !(last && s.Tiers[i].UpTo == 0) {
				return nil, fmt.Errorf("tiers must be ascending")
			}
		}
		return Tiered(s.Field, s.Tiers), nil
	}
	return nil, fmt.Errorf("unknown formula %q", s.Formula)
}

// PerUnit charges rate credits per unit of params[field], never less than minimum.
func PerUnit(field string, rate float64, minimum int64, roundUp bool) CostFunc {
	return func(params map[string]any) (int64, error) {
		v, err := NumericParam(params, field)
		if err != nil {
			return 0, err
		}
		raw := v * rate
		var cost int64
		if roundUp {
			cost = int64(math.Ceil(raw))
		} else {
			cost = int64(math.Floor(raw))
		}
		if cost < minimum {
			cost = minimum
		}
		return cost, nil
	}
}

// Tiered charges the amount of the first tier whose bound covers params[field].
func Tiered(field string, tiers []Tier) CostFunc {
	return func(params map[string]any) (int64, error) {
		v, err := NumericParam(params, field)
		if err != nil {
			return 0, err
		}
		for i, t := range tiers {
			if v <= t.UpTo || (i == len(tiers)-1 && t.UpTo == 0) {
				return t.Amount, nil
			}
		}
		return 0, fmt.Errorf("%s=%v exceeds the highest tier", field, v)
	}
}

// NumericParam extracts a non-negative number from a loosely typed params map.
func NumericParam(params map[string]any, field string) (float64, error) {
	raw, ok := params[field]
	if !ok || raw == nil {
		return 0, fmt.Errorf("missing numeric param %q", field)
	}

	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", field, err)
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", field, err)
		}
		v = f
	default:
		return 0, fmt.Errorf("param %q has unsupported type %T", field, raw)
	}

	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("param %q must be a finite non-negative number", field)
	}
	return v, nil
}
