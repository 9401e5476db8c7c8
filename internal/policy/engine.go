// Package policy evaluates the rego admission policy applied to identities
// at handshake.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent. The module must define
// data.relay.admission.allow and data.relay.admission.reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.relay.admission"),
		rego.Module("admission.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admission policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Admit evaluates the policy for an identity and returns whether it is
// admitted, with the policy's reason when it is not.
func (e *Engine) Admit(ctx context.Context, id protocol.Identity) (bool, string, error) {
	input := map[string]interface{}{
		"user_id":          id.UserID,
		"email":            id.Email,
		"name":             id.Name,
		"departments":      id.Departments,
		"user_permissions": id.Permissions,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "admission policy is undefined", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "admission policy returned unexpected type", nil
	}
	allow, _ := doc["allow"].(bool)
	reason, _ := doc["reason"].(string)
	return allow, reason, nil
}

// DefaultPolicy admits identities that carry a user id and an email.
const DefaultPolicy = `
package relay.admission

default allow := false

allow if {
	input.user_id > 0
	input.email != ""
}

default reason := ""

reason := "user_id and email are required" if not allow
`
