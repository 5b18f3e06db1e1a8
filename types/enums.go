package types

// SettleStatus is the settle status enum.
type SettleStatus string

const (
	SettleStatusSettled SettleStatus = "settled"
	SettleStatusError   SettleStatus = "error"
)

// SettlementMode is the settlement mode enum.
type SettlementMode string

const (
	SettlementModeSponsored SettlementMode = "sponsored"
	SettlementModeSplit     SettlementMode = "split"
)

// SplitStatus is the payment split status enum.
type SplitStatus string

const (
	SplitStatusPending   SplitStatus = "pending"
	SplitStatusCompleted SplitStatus = "completed"
	SplitStatusFailed    SplitStatus = "failed"
)

// NativeAsset is the asset id of the network's native currency.
const NativeAsset = "native"

// Split recipient bounds.
const (
	MinSplitRecipients = 2
	MaxSplitRecipients = 10
)
