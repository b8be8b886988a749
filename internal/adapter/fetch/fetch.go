// Package fetch is the rate-limited HTTP client every registry adapter
// goes through. It enforces per-registry request budgets, honors 429
// responses by halving the offending registry's budget for a window, and
// retries transient failures with exponential backoff. Budgets exist to
// keep the pipeline a polite API citizen; registries that ban a scraper
// rarely unban it.
package fetch

import (
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Limiter admits registry requests under a per-registry budget.
//
// Acquire blocks until the registry has a free slot or ctx is done.
// Penalize records an upstream 429: the registry's budget is halved until
// a full window has passed. Usage reports in-flight consumption so the
// monitor can alert before the budget is exhausted.
type Limiter interface {
	Acquire(ctx domain.Context, registry string) error
	Penalize(registry string)
	Usage(registry string) (used, budget int)
}

// DefaultBudgets returns the per-registry request budgets.
// ClinicalTrials.gov documents a higher tolerated request volume than the
// European registries, which publish no numbers and get a conservative one.
func DefaultBudgets() map[string]domain.RateBudget {
	return map[string]domain.RateBudget{
		domain.RegistryCTGov:  {Requests: 300, Window: time.Minute},
		domain.RegistryISRCTN: {Requests: 60, Window: time.Minute},
		domain.RegistryCTIS:   {Requests: 60, Window: time.Minute},
		domain.RegistryEUCTR:  {Requests: 60, Window: time.Minute},
		domain.RegistryICTRP:  {Requests: 60, Window: time.Minute},
	}
}
