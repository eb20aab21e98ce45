// Package scoring derives risk and safe-to-apply scores for IAM recommendations.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/yairfalse/cureiam/types"
)

const (
	safeToApplyScoreFactors = 3
	riskScoreFactors        = 2
)

// ErrUnknownAccountType is returned when no risk exponent exists for an account type
var ErrUnknownAccountType = errors.New("unknown account type")

var accountTypeBase = map[string]float64{
	types.AccountTypeUser:  60,
	types.AccountTypeGroup: 30,
}

var suggestionBonus = map[string]float64{
	types.SubtypeRemoveRole:  30,
	types.SubtypeReplaceRole: 20,
}

const defaultSuggestionBonus = 10

var riskExponent = map[string]float64{
	types.AccountTypeUser:           2,
	types.AccountTypeGroup:          3,
	types.AccountTypeServiceAccount: 5,
}

// Input is the subset of a processor record the scores depend on
type Input struct {
	AccountType     string
	SuggestionType  string
	UsedPermissions int
	// TotalPermissions defaults to UsedPermissions+1 when nil
	TotalPermissions *int
}

// InputFrom builds scoring input from a processor record
func InputFrom(p *types.ProcessorRecord) Input {
	return Input{
		AccountType:      p.AccountType,
		SuggestionType:   p.RecommenderSubtype,
		UsedPermissions:  p.AccountUsedPermissions,
		TotalPermissions: p.AccountTotalPermissions,
	}
}

// Score computes the score bundle. Safety is the account type base plus the
// suggestion bonus divided by the excess permission fraction; risk grows with
// that fraction raised to a per-account-type exponent.
func Score(in Input) (types.ScoreBundle, error) {
	exponent, ok := riskExponent[in.AccountType]
	if !ok {
		return types.ScoreBundle{}, fmt.Errorf("%w: %q", ErrUnknownAccountType, in.AccountType)
	}

	used := in.UsedPermissions
	total := used + 1
	if in.TotalPermissions != nil {
		total = *in.TotalPermissions
	}

	excess := max(total-used, 1)
	total = max(total, 1)
	excessPercent := float64(excess) / float64(total)

	safety := accountTypeBase[in.AccountType]
	if bonus, ok := suggestionBonus[in.SuggestionType]; ok {
		safety += bonus
	} else {
		safety += defaultSuggestionBonus
	}

	return types.ScoreBundle{
		SafeToApplyScore:        round(safety / excessPercent),
		SafeToApplyScoreFactors: safeToApplyScoreFactors,
		RiskScore:               round(math.Pow(excessPercent, exponent) * 100),
		RiskScoreFactors:        riskScoreFactors,
		OverPrivilegeScore:      round(excessPercent * 100),
	}, nil
}

// round rounds half to even
func round(v float64) int {
	return int(math.RoundToEven(v))
}
