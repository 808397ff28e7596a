package revenue

const (
	operationAddRevenue     = "add_revenue"
	operationCheckFunds     = "check_funds"
	operationReserveFunds   = "reserve_funds"
	operationDeductFunds    = "deduct_funds"
	operationReleaseFunds   = "release_funds"
	operationRegisterMethod = "register_method"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusNoOp  = "noop"

	// Registered payment methods carry a fixed placeholder balance; it is
	// the ranking key for selection and is never decremented by usage.
	methodPlaceholderBalanceCents int64 = 100_000_000
)
