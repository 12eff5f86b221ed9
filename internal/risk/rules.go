package risk

import (
	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/model"
)

// InstallmentRule decides installment eligibility for a provider/currency
// pair. An empty Provider matches every provider.
type InstallmentRule struct {
	Provider        string
	Currency        model.Currency
	Enabled         bool
	MinAmount       decimal.Decimal
	MaxInstallments int
}

// Non3DFallbackRule permits authorizing without 3-D Secure. A zero MaxAmount
// means no ceiling; empty PaymentTypes means every type.
type Non3DFallbackRule struct {
	Provider     string
	Currency     model.Currency
	Allowed      bool
	MaxAmount    decimal.Decimal
	PaymentTypes []model.PaymentType
}

type AmountLimit struct {
	Currency model.Currency
	Max      decimal.Decimal
}

type RuleSet struct {
	Version       string
	DeniedBINs    []string
	AmountLimits  []AmountLimit
	Installment   []InstallmentRule
	Non3DFallback []Non3DFallbackRule
}

func (r InstallmentRule) matches(txn *model.Transaction) bool {
	return (r.Provider == "" || r.Provider == txn.Provider) &&
		(r.Currency == "" || r.Currency == txn.Currency)
}

func (r Non3DFallbackRule) matches(txn *model.Transaction) bool {
	if r.Provider != "" && r.Provider != txn.Provider {
		return false
	}
	if r.Currency != "" && r.Currency != txn.Currency {
		return false
	}
	if len(r.PaymentTypes) == 0 {
		return true
	}
	for _, pt := range r.PaymentTypes {
		if pt == txn.PaymentType {
			return true
		}
	}
	return false
}

// installmentRuleFor returns the most specific rule: provider and currency
// match beat wildcards.
func (rs RuleSet) installmentRuleFor(txn *model.Transaction) (InstallmentRule, bool) {
	best, bestScore, found := InstallmentRule{}, -1, false
	for _, r := range rs.Installment {
		if !r.matches(txn) {
			continue
		}
		score := 0
		if r.Provider != "" {
			score += 2
		}
		if r.Currency != "" {
			score++
		}
		if score > bestScore {
			best, bestScore, found = r, score, true
		}
	}
	return best, found
}

func (rs RuleSet) non3DRuleFor(txn *model.Transaction) (Non3DFallbackRule, bool) {
	best, bestScore, found := Non3DFallbackRule{}, -1, false
	for _, r := range rs.Non3DFallback {
		if !r.matches(txn) {
			continue
		}
		score := 0
		if r.Provider != "" {
			score += 2
		}
		if r.Currency != "" {
			score++
		}
		if score > bestScore {
			best, bestScore, found = r, score, true
		}
	}
	return best, found
}
