// Package access maps protected resources to required assurance levels
// and evaluates presented credentials against them. Evaluation is pure:
// inputs in, decision out, no I/O, so it is safe to run per request as
// middleware.
package access

import (
	"fmt"

	"go.uber.org/zap"

	"stepup-service/internal/config"
	"stepup-service/internal/credential"
	"stepup-service/internal/util"
)

// Decision is the outcome of evaluating a credential against a resource
// policy. Reason is operator-readable; it never carries claim values
// beyond the levels being compared.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Required float64 `json:"required"`
	Reason   string  `json:"reason"`
}

// Evaluator holds the policy table. Policies are process-scoped
// configuration; unnamed resources fall back to the default level.
type Evaluator struct {
	policies     map[string]float64
	defaultLevel float64
	logger       *zap.Logger
}

func NewEvaluator(cfg config.AccessConfig, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		policies:     cfg.Policies,
		defaultLevel: cfg.DefaultLevel,
		logger:       logger,
	}
}

// RequiredLevel looks up the assurance level a resource demands. A
// missing policy falls back to the configured default and is logged so
// operators can spot unlisted resources.
func (e *Evaluator) RequiredLevel(resource string) float64 {
	name := util.NormalizeResource(resource)
	if level, ok := e.policies[name]; ok {
		return level
	}

	e.logger.Warn("no access policy for resource, using default level",
		zap.String("resource", name),
		zap.Float64("default_level", e.defaultLevel))
	return e.defaultLevel
}

// Evaluate compares the credential's achieved assurance level against the
// resource's requirement.
func (e *Evaluator) Evaluate(claims *credential.Claims, resource string) Decision {
	required := e.RequiredLevel(resource)

	if claims == nil {
		return Decision{
			Allowed:  false,
			Required: required,
			Reason:   "no credential presented",
		}
	}

	if claims.Arc >= required {
		return Decision{
			Allowed:  true,
			Required: required,
			Reason:   "assurance level sufficient",
		}
	}

	return Decision{
		Allowed:  false,
		Required: required,
		Reason: fmt.Sprintf("assurance level %.2f below required %.2f",
			claims.Arc, required),
	}
}
