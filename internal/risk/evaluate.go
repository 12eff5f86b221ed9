// Package risk evaluates a transaction draft against the configured rule set
// before anything is sent to a gateway. Evaluate is pure: the same
// transaction and rules always produce the same assessment, which keeps it
// replayable for audit.
package risk

import (
	"fmt"

	"github.com/anyulbade/vpos-engine/internal/model"
)

const (
	ReasonBINDenied          = "bin_denied"
	ReasonAmountLimit        = "amount_limit_exceeded"
	ReasonInstallmentOff     = "installment_not_offered"
	ReasonInstallmentMin     = "installment_below_min_amount"
	ReasonInstallmentMax     = "installment_count_exceeded"
	ReasonNon3DNotPermitted  = "non3d_not_permitted"
	ReasonNon3DAmountCeiling = "non3d_amount_ceiling"
)

// Evaluate applies hard deny rules first, then conditional rules, and
// approves when nothing matched.
func Evaluate(txn *model.Transaction, rules RuleSet) model.RiskAssessment {
	a := model.RiskAssessment{RuleSetVersion: rules.Version}

	if reasons := hardDeny(txn, rules); len(reasons) > 0 {
		a.Decision = model.RiskDeny
		a.Reasons = reasons
		return a
	}

	allowed, why := non3DAllowed(txn, rules)
	a.Non3DAllowed = allowed
	if !txn.ThreeDSecure && !allowed {
		a.Decision = model.RiskFlag
		a.Approve = true
		a.Reasons = []string{why}
		return a
	}

	a.Decision = model.RiskApprove
	a.Approve = true
	return a
}

func hardDeny(txn *model.Transaction, rules RuleSet) []string {
	var reasons []string

	bin := txn.MaskedPAN
	if len(bin) >= 6 {
		bin = bin[:6]
	}
	for _, denied := range rules.DeniedBINs {
		if denied != "" && len(bin) >= len(denied) && bin[:len(denied)] == denied {
			reasons = append(reasons, ReasonBINDenied)
			break
		}
	}

	for _, limit := range rules.AmountLimits {
		if limit.Currency == txn.Currency && !limit.Max.IsZero() && txn.Amount.GreaterThan(limit.Max) {
			reasons = append(reasons, ReasonAmountLimit)
			break
		}
	}

	if txn.IsInstallment() {
		rule, ok := rules.installmentRuleFor(txn)
		switch {
		case !ok || !rule.Enabled:
			reasons = append(reasons, ReasonInstallmentOff)
		default:
			if txn.Amount.LessThan(rule.MinAmount) {
				reasons = append(reasons, ReasonInstallmentMin)
			}
			if rule.MaxInstallments > 0 && txn.Installments > rule.MaxInstallments {
				reasons = append(reasons, ReasonInstallmentMax)
			}
		}
	}
	return reasons
}

func non3DAllowed(txn *model.Transaction, rules RuleSet) (bool, string) {
	rule, ok := rules.non3DRuleFor(txn)
	if !ok || !rule.Allowed {
		return false, ReasonNon3DNotPermitted
	}
	if !rule.MaxAmount.IsZero() && txn.Amount.GreaterThan(rule.MaxAmount) {
		return false, ReasonNon3DAmountCeiling
	}
	return true, ""
}

// Describe renders an assessment for log lines.
func Describe(a model.RiskAssessment) string {
	return fmt.Sprintf("%s %v (rules %s)", a.Decision, a.Reasons, a.RuleSetVersion)
}
