package producer

import (
	"context"
	"errors"
	"fmt"
)

// Any is the wildcard in a dispatch rule pattern.
const Any = "*"

// Pattern matches a job's dispatch coordinates. Empty fields behave as Any.
type Pattern struct {
	Provider    string
	Model       string
	Environment string
}

func (p Pattern) matches(provider, model, environment string) bool {
	return matchField(p.Provider, provider) &&
		matchField(p.Model, model) &&
		matchField(p.Environment, environment)
}

func matchField(pattern, value string) bool {
	return pattern == "" || pattern == Any || pattern == value
}

// ErrNoHandler indicates no registered rule matches a job's coordinates.
var ErrNoHandler = errors.New("no producer handler")

// Registry dispatches produce calls through an ordered list of
// (pattern, handler) rules searched first-match. Most-specific rules must be
// registered first; a trailing wildcard rule catches the rest.
type Registry struct {
	environment string
	rules       []rule
}

type rule struct {
	pattern Pattern
	handler ProduceFunc
}

// NewRegistry creates an empty registry dispatching in the given environment
// ("live", "simulated", ...).
func NewRegistry(environment string) *Registry {
	return &Registry{environment: environment}
}

// Register appends a rule. Order is significant: the first matching rule
// wins.
func (r *Registry) Register(pattern Pattern, handler ProduceFunc) *Registry {
	r.rules = append(r.rules, rule{pattern: pattern, handler: handler})
	return r
}

// Produce dispatches one request to the first matching rule.
func (r *Registry) Produce(ctx context.Context, req *Request) (*Result, error) {
	for _, rule := range r.rules {
		if rule.pattern.matches(req.Job.Provider, req.Job.ProviderModel, r.environment) {
			return rule.handler(ctx, req)
		}
	}
	return nil, fmt.Errorf("%w for job %s (provider %q, model %q, environment %q)",
		ErrNoHandler, req.Job.ID, req.Job.Provider, req.Job.ProviderModel, r.environment)
}
