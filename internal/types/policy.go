package types

import (
	"strings"

	"github.com/rxtech-lab/argo-ledger/pkg/errors"
)

// PnLSource selects which PnL figure is authoritative for a report.
type PnLSource string

const (
	PnLSourceLegacy             PnLSource = "legacy"
	PnLSourceLedger             PnLSource = "ledger"
	PnLSourceLedgerWithFallback PnLSource = "ledger_with_fallback"
)

func ParsePnLSource(value string) (PnLSource, error) {
	switch source := PnLSource(strings.ToLower(strings.TrimSpace(value))); source {
	case PnLSourceLegacy, PnLSourceLedger, PnLSourceLedgerWithFallback:
		return source, nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidPnLSource, "invalid pnl source %q, expected one of legacy, ledger, ledger_with_fallback", value)
	}
}

// FeeConvention decides how trading fees enter net realized PnL.
type FeeConvention string

const (
	// FeeConventionProRata subtracts the share of the buy and sell fee consumed by each allocation.
	FeeConventionProRata FeeConvention = "pro_rata"
	// FeeConventionExcluded reports the fee shares but keeps net equal to gross.
	FeeConventionExcluded FeeConvention = "excluded"
)

func ParseFeeConvention(value string) (FeeConvention, error) {
	if strings.TrimSpace(value) == "" {
		return FeeConventionProRata, nil
	}

	switch convention := FeeConvention(strings.ToLower(strings.TrimSpace(value))); convention {
	case FeeConventionProRata, FeeConventionExcluded:
		return convention, nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidFeeConvention, "invalid fee convention %q, expected pro_rata or excluded", value)
	}
}
