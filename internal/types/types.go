package types

type TradeType string

type TransactionType string

type TransactionStatus string

type WithdrawalStatus string

type FeeStatus string

const (
	TradeTypeBuy  TradeType = "buy"
	TradeTypeSell TradeType = "sell"
	TradeTypeLoss TradeType = "loss"
)

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeCredit     TransactionType = "credit"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
)

const (
	FeeStatusRequired  FeeStatus = "required"
	FeeStatusSubmitted FeeStatus = "submitted"
	FeeStatusConfirmed FeeStatus = "confirmed"
)
