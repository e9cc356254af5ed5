package engine

import "errors"

// Error taxonomy. The API layer maps these to HTTP statuses; everything
// else wraps one of them so errors.Is works through the stack.
var (
	// ErrValidation marks malformed or incomplete input.
	ErrValidation = errors.New("validation failed")
	// ErrRunNotFound covers both a missing run and a run outside the
	// caller's tenant; the two are indistinguishable on purpose.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists rejects a duplicate run id within a tenant.
	ErrRunExists = errors.New("run already exists")
	// ErrRunTerminal rejects interventions on finished runs.
	ErrRunTerminal = errors.New("run already terminal")
	// ErrProviderUnavailable means the breaker is open or the adapter
	// call failed; the caller should retry later.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrSignalNotImplemented covers declared-but-unsupported signals.
	ErrSignalNotImplemented = errors.New("signal not implemented")
	// ErrPolicyDenied means the signal policy rejected the request.
	ErrPolicyDenied = errors.New("denied by policy")
	// ErrApprovalRequired means the signal needs out-of-band approval.
	ErrApprovalRequired = errors.New("approval required")
)
