package pool

import "errors"

// Configuration errors
var (
	ErrInvalidPoolInfo = errors.New("pool: invalid pool info")
	ErrMissingDeps     = errors.New("pool: missing dependency")
)

// Precondition errors
var (
	ErrInvalidAmount                   = errors.New("pool: amount must be positive")
	ErrPoolInOpenToSellersPhase        = errors.New("pool: pool is open to sellers only")
	ErrPoolInOpenToBuyersPhase         = errors.New("pool: pool is open to buyers only")
	ErrCycleNotOpen                    = errors.New("pool: current cycle is not open")
	ErrLeverageRatioTooLow             = errors.New("pool: leverage ratio below floor")
	ErrLeverageRatioTooHigh            = errors.New("pool: leverage ratio above ceiling")
	ErrNoCapital                       = errors.New("pool: pool has no capital")
	ErrDuplicateProtection             = errors.New("pool: active protection already exists for position")
	ErrProtectionDurationTooShort      = errors.New("pool: protection duration below minimum")
	ErrProtectionDurationTooLong       = errors.New("pool: protection would expire after next cycle end")
	ErrLoanNotActive                   = errors.New("pool: loan is not active")
	ErrProtectionPurchaseNotAllowed    = errors.New("pool: basket does not allow protection purchase")
	ErrPremiumExceedsMax               = errors.New("pool: premium exceeds max premium")
	ErrNoExpiredProtection             = errors.New("pool: no expired protection to renew")
	ErrRenewalGracePeriodElapsed       = errors.New("pool: renewal grace period elapsed")
	ErrRenewalAmountExceedsOriginal    = errors.New("pool: renewal amount exceeds expired protection")
	ErrInsufficientShareBalance        = errors.New("pool: insufficient share balance")
	ErrInsufficientRequestedWithdrawal = errors.New("pool: insufficient requested withdrawal")
	ErrPhaseTransitionNotAllowed       = errors.New("pool: phase transition not allowed")
	ErrUnknownProtection               = errors.New("pool: unknown protection index")
)

// Authorization errors
var ErrUnauthorized = errors.New("pool: caller not authorized")
