package allocation

import (
	"github.com/rxtech-lab/argo-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// feePrecision is the number of decimal places kept on a truncated fee share.
const feePrecision = 16

// FeePolicy turns an allocation's gross PnL and fee shares into its net PnL.
type FeePolicy interface {
	Convention() types.FeeConvention
	Net(gross, buyFeeShare, sellFeeShare decimal.Decimal) decimal.Decimal
}

type proRataFee struct{}

func (proRataFee) Convention() types.FeeConvention {
	return types.FeeConventionProRata
}

func (proRataFee) Net(gross, buyFeeShare, sellFeeShare decimal.Decimal) decimal.Decimal {
	return gross.Sub(buyFeeShare).Sub(sellFeeShare)
}

type excludedFee struct{}

func (excludedFee) Convention() types.FeeConvention {
	return types.FeeConventionExcluded
}

func (excludedFee) Net(gross, _, _ decimal.Decimal) decimal.Decimal {
	return gross
}

func GetFeePolicy(convention types.FeeConvention) FeePolicy {
	switch convention {
	case types.FeeConventionExcluded:
		return excludedFee{}
	default:
		return proRataFee{}
	}
}

// feeShare is fee * part / whole truncated to feePrecision places. Truncation keeps the running
// sum of shares at or below the fee, so the last share can take the exact remainder.
func feeShare(fee, part, whole decimal.Decimal) decimal.Decimal {
	if fee.IsZero() || whole.IsZero() {
		return decimal.Zero
	}

	share, _ := fee.Mul(part).QuoRem(whole, feePrecision)

	return share
}
