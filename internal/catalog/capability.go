package catalog

import (
	"fmt"
)

// QuotaRule selects which past tasks consume a capability's free allowance.
type QuotaRule string

const (
	// CountAllHistorical counts every earlier non-refunded task regardless of outcome.
	CountAllHistorical QuotaRule = "count_all_historical"

	// CountCompletedOnly counts only completed, non-refunded tasks.
	CountCompletedOnly QuotaRule = "count_completed_only"
)

// IsValid returns true if the quota rule is known
func (r QuotaRule) IsValid() bool {
	switch r {
	case CountAllHistorical, CountCompletedOnly:
		return true
	}
	return false
}

// ChargeMode decides when a non-free task is debited.
type ChargeMode string

const (
	// ChargeAtAdmission debits the planned cost when the task is admitted.
	ChargeAtAdmission ChargeMode = "admission"

	// ChargeAtSettlement debits the final cost once the task succeeds.
	ChargeAtSettlement ChargeMode = "settlement"
)

// IsValid returns true if the charge mode is known
func (m ChargeMode) IsValid() bool {
	switch m {
	case ChargeAtAdmission, ChargeAtSettlement:
		return true
	}
	return false
}

// PricingKind tags the variant held by a PricingPolicy.
type PricingKind string

const (
	PricingFixed            PricingKind = "fixed"
	PricingComputed         PricingKind = "computed"
	PricingDeferredComputed PricingKind = "deferred"
)

// CostFunc computes a credit cost from request payload or task result params.
type CostFunc func(params map[string]any) (int64, error)

// PricingPolicy is a closed set of pricing variants. Build one with Fixed,
// Computed or DeferredComputed; the zero value is invalid.
type PricingPolicy struct {
	kind   PricingKind
	amount int64
	fn     CostFunc
}

// Fixed charges the same amount for every task.
func Fixed(amount int64) PricingPolicy {
	return PricingPolicy{kind: PricingFixed, amount: amount}
}

// Computed derives the cost from the admission payload.
func Computed(fn CostFunc) PricingPolicy {
	return PricingPolicy{kind: PricingComputed, fn: fn}
}

// DeferredComputed derives the cost from the result params reported at settlement.
func DeferredComputed(fn CostFunc) PricingPolicy {
	return PricingPolicy{kind: PricingDeferredComputed, fn: fn}
}

// Kind returns the pricing variant
func (p PricingPolicy) Kind() PricingKind {
	return p.kind
}

// Planned returns the cost known at admission time. Deferred pricing has no
// admission-time cost, so the capability estimate is used instead.
func (p PricingPolicy) Planned(payload map[string]any, estimate int64) (int64, error) {
	switch p.kind {
	case PricingFixed:
		return p.amount, nil
	case PricingComputed:
		return checkCost(p.fn(payload))
	case PricingDeferredComputed:
		return estimate, nil
	}
	return 0, fmt.Errorf("unknown pricing kind %q", p.kind)
}

// Final returns the cost of a successful task. planned is the value recorded
// at admission.
func (p PricingPolicy) Final(planned int64, result map[string]any) (int64, error) {
	switch p.kind {
	case PricingFixed:
		return p.amount, nil
	case PricingComputed:
		return planned, nil
	case PricingDeferredComputed:
		return checkCost(p.fn(result))
	}
	return 0, fmt.Errorf("unknown pricing kind %q", p.kind)
}

func (p PricingPolicy) validate() error {
	switch p.kind {
	case PricingFixed:
		if p.amount < 0 {
			return fmt.Errorf("fixed amount must be non-negative, got %d", p.amount)
		}
	case PricingComputed, PricingDeferredComputed:
		if p.fn == nil {
			return fmt.Errorf("%s pricing requires a cost function", p.kind)
		}
	default:
		return fmt.Errorf("pricing policy is not set")
	}
	return nil
}

func checkCost(cost int64, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	if cost < 0 {
		return 0, fmt.Errorf("computed cost must be non-negative, got %d", cost)
	}
	return cost, nil
}

// Capability is a billable unit of AI-processing functionality.
type Capability struct {
	ID            string
	DisplayName   string
	Pricing       PricingPolicy
	FreeAllowance int
	QuotaRule     QuotaRule

	// Charge defaults to ChargeAtAdmission for fixed/computed pricing and is
	// always ChargeAtSettlement for deferred pricing.
	Charge ChargeMode

	// Estimate is the planned cost recorded at admission for deferred pricing.
	Estimate int64
}

// IsDeferred reports whether the task is charged at settlement.
func (c *Capability) IsDeferred() bool {
	return c.Charge == ChargeAtSettlement
}

// normalize fills defaults and validates the definition.
func (c *Capability) normalize() error {
	if c.ID == "" {
		return fmt.Errorf("%w: capability id cannot be empty", ErrInvalidDefinition)
	}
	if err := c.Pricing.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, c.ID, err)
	}
	if c.FreeAllowance < 0 {
		return fmt.Errorf("%w: %s: free allowance must be non-negative", ErrInvalidDefinition, c.ID)
	}
	if c.QuotaRule == "" {
		c.QuotaRule = CountCompletedOnly
	}
	if !c.QuotaRule.IsValid() {
		return fmt.Errorf("%w: %s: unknown quota rule %q", ErrInvalidDefinition, c.ID, c.QuotaRule)
	}
	if c.Estimate < 0 {
		return fmt.Errorf("%w: %s: estimate must be non-negative", ErrInvalidDefinition, c.ID)
	}

	if c.Charge == "" {
		c.Charge = ChargeAtAdmission
		if c.Pricing.Kind() == PricingDeferredComputed {
			c.Charge = ChargeAtSettlement
		}
	}
	if !c.Charge.IsValid() {
		return fmt.Errorf("%w: %s: unknown charge mode %q", ErrInvalidDefinition, c.ID, c.Charge)
	}
	if c.Pricing.Kind() == PricingDeferredComputed && c.Charge != ChargeAtSettlement {
		return fmt.Errorf("%w: %s: deferred pricing must charge at settlement", ErrInvalidDefinition, c.ID)
	}
	if c.Pricing.Kind() == PricingComputed && c.Charge != ChargeAtAdmission {
		return fmt.Errorf("%w: %s: computed pricing must charge at admission", ErrInvalidDefinition, c.ID)
	}
	return nil
}
