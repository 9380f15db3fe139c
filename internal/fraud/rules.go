package fraud

import (
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
)

// Rule flags emitted by the rule layer.
const (
	FlagNonPositiveAmount  = "NON_POSITIVE_AMOUNT"
	FlagAmountCeiling      = "AMOUNT_CEILING"
	FlagTypeTariffMismatch = "TYPE_TARIFF_MISMATCH"
	FlagDuplicateScan      = "DUPLICATE_SCAN_WINDOW"
	FlagCrossOutlier       = "CROSS_OUTLIER"
)

// criticalFlags block regardless of reader state or ML opinion.
var criticalFlags = map[string]bool{
	FlagNonPositiveAmount: true,
	FlagDuplicateScan:     true,
}

// EvaluateRules runs the deterministic rule layer against one charge.
func EvaluateRules(card *core.Card, amount float64, now time.Time, cfg config.FraudConfig) []string {
	var flags []string

	if amount <= 0 {
		flags = append(flags, FlagNonPositiveAmount)
	}
	if amount > cfg.AmountCeiling {
		flags = append(flags, FlagAmountCeiling)
	}
	if ceiling, ok := cfg.TypeCeilings[card.VehicleType]; ok && amount > ceiling {
		flags = append(flags, FlagTypeTariffMismatch)
	}
	if !card.LastSeen.IsZero() && now.Sub(card.LastSeen) < cfg.DuplicateWindow() {
		flags = append(flags, FlagDuplicateScan)
	}
	return flags
}
