package services

import "errors"

var (
	// ErrManagerNotFound means neither the primary nor the legacy key
	// matched an account.
	ErrManagerNotFound = errors.New("manager account not found")

	// ErrUnresolvableReference means a payment reference maps to no known
	// checkout and carries no embedded manager id. Requires operator triage.
	ErrUnresolvableReference = errors.New("payment reference cannot be resolved")

	// ErrConfigurationMissing means a required billing setting (unit price,
	// secrets) is absent. Billing must fail loudly, never silently.
	ErrConfigurationMissing = errors.New("billing configuration missing")

	// ErrRateLimited is returned when a manager exceeds the checkout
	// issuance window cap.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAssemblyNotFound is returned by the billing call sites.
	ErrAssemblyNotFound = errors.New("assembly not found")

	// ErrNoBillableUnits means an assembly has no residential units to
	// price an activation against.
	ErrNoBillableUnits = errors.New("assembly has no billable units")
)
