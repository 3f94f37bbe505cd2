package peer

// Reputation scores live in [0,1]. A peer enters the directory at the
// neutral midpoint and earns or loses standing through observed behavior.
const (
	InitialReputation = 0.5
	MinReputation     = 0.0
	MaxReputation     = 1.0

	deltaJobCompleted      = 0.02
	deltaJobFailed         = -0.05
	deltaValidationAgree   = 0.01
	deltaValidationDispute = -0.10
	deltaInvalidSignature  = -0.15
)

// adjustReputation applies a delta and clamps to the valid range
func adjustReputation(current, delta float64) float64 {
	next := current + delta
	if next < MinReputation {
		return MinReputation
	}
	if next > MaxReputation {
		return MaxReputation
	}
	return next
}
