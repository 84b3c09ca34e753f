package karma

import "time"

// Tier classifies a transaction.
type Tier string

const (
	TierHigh      Tier = "high"
	TierMedium    Tier = "medium"
	TierLow       Tier = "low"
	TierPenalty   Tier = "penalty"
	TierDemerit   Tier = "demerit"
	TierAtonement Tier = "atonement"
	TierCredit    Tier = "credit"
	TierRedeem    Tier = "redeem"
	TierDebt      Tier = "debt"
)

// RewardTier maps a rewarded path to its tier.
func RewardTier(path Path) Tier {
	switch path {
	case PunyaTokens:
		return TierHigh
	case SevaPoints:
		return TierMedium
	default:
		return TierLow
	}
}

// Transaction action names for events that are not catalog actions.
const (
	TxAtonementCompleted = "atonement_completed"
	TxManualCredit       = "manual_credit"
	TxRedeem             = "redeem"
	TxDebtCreated        = "debt_created"
	TxDebtRepaid         = "debt_repaid"
	TxDebtTransferredOut = "debt_transferred_out"
	TxDebtTransferredIn  = "debt_transferred_in"
)

// Transaction is an immutable ledger event.
type Transaction struct {
	ID       string
	UserID   string
	Action   string
	Path     Path
	Value    float64
	Intent   Intent
	Tier     Tier
	Context  string
	Note     string
	Metadata map[string]string
	At       time.Time
}
