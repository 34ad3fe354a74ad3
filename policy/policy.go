// Package policy evaluates capability and extension gating expressions
// against a leaf's declared values, grounded on the teacher's
// specvals.go ResolveSpecValue: a govaluate expression is parsed once,
// cached by its source text, then evaluated against a runtime
// parameter map on every subsequent call.
package policy

import (
	"fmt"
	"sync"

	"github.com/casbin/govaluate"

	"github.com/bifurcation/mls-tree-go/node"
)

type cachedExpression struct {
	expr *govaluate.EvaluableExpression
	err  error
}

// Evaluator compiles and caches capability/extension gating
// expressions, such as "3 IN ProposalTypes && 1 IN CipherSuites", run
// against a leaf's declared Capabilities before admitting a proposal.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*cachedExpression
}

// NewEvaluator returns an empty Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: map[string]*cachedExpression{}}
}

func (e *Evaluator) compile(expression string) (*govaluate.EvaluableExpression, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.cache[expression]; ok {
		return cached.expr, cached.err
	}

	expr, err := govaluate.NewEvaluableExpression(expression)
	c := &cachedExpression{expr: expr, err: err}
	if err != nil {
		c.err = fmt.Errorf("policy: parsing expression %q: %w", expression, err)
	}
	e.cache[expression] = c
	return c.expr, c.err
}

// Allows evaluates expression against leaf's declared capabilities and
// extensions, returning whether the expression evaluated to a truthy
// result. A non-boolean result is treated as not-allowed.
func (e *Evaluator) Allows(expression string, leaf *node.LeafNode) (bool, error) {
	expr, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	params := capabilityParams(leaf)
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("policy: evaluating expression %q: %w", expression, err)
	}

	allowed, ok := result.(bool)
	return ok && allowed, nil
}

func capabilityParams(leaf *node.LeafNode) map[string]interface{} {
	params := map[string]interface{}{}
	if leaf == nil {
		return params
	}
	proposalTypes := make([]interface{}, len(leaf.Capabilities.ProposalTypes))
	for i, t := range leaf.Capabilities.ProposalTypes {
		proposalTypes[i] = float64(t)
	}
	cipherSuites := make([]interface{}, len(leaf.Capabilities.CipherSuites))
	for i, t := range leaf.Capabilities.CipherSuites {
		cipherSuites[i] = float64(t)
	}
	credentialTypes := make([]interface{}, len(leaf.Capabilities.CredentialTypes))
	for i, t := range leaf.Capabilities.CredentialTypes {
		credentialTypes[i] = float64(t)
	}
	params["ProposalTypes"] = proposalTypes
	params["CipherSuites"] = cipherSuites
	params["CredentialTypes"] = credentialTypes
	params["ExtensionCount"] = float64(len(leaf.Extensions))
	return params
}
