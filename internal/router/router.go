// Package router decides which registered connections receive a message
// and queues it to them.
package router

import (
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cometa-rocks/wsrelay/internal/metrics"
	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

// Registry is the view of the connection registry the router needs.
type Registry interface {
	All() iter.Seq2[string, protocol.Identity]
	Deliver(connID string, data []byte) bool
}

// Router fans messages out according to a per-type rule table.
type Router struct {
	registry Registry

	mu    sync.RWMutex
	rules map[string]Rule

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a router using DefaultRules.
func New(registry Registry, logger zerolog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		rules:    DefaultRules(),
		log:      logger.With().Str("component", "router").Logger(),
		metrics:  m,
	}
}

// SetRule sets the routing rule for a message type.
func (r *Router) SetRule(msgType string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[msgType] = rule
}

// RuleFor returns the rule applied to a message type.
func (r *Router) RuleFor(msgType string) Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.rules[msgType]; ok {
		return rule
	}
	return BroadcastRule()
}

// Dispatch delivers msg to the connections selected by its type's rule and
// returns how many connections it was queued to.
func (r *Router) Dispatch(msg protocol.Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %q: %w", msg.Type(), err)
	}

	rule := r.RuleFor(msg.Type())
	var sent int
	switch rule.Kind {
	case PermissionGated:
		sent = r.deliverAll(data, permissionGate(rule, msg))
	case DepartmentGated:
		sent = r.deliverAll(data, departmentGate(rule, msg))
	case TargetedWithFallback:
		sent = r.targeted(data, msg)
	default:
		sent = r.deliverAll(data, excludeGate(msg))
	}

	r.metrics.Delivered(rule.Kind.String(), sent)
	r.log.Debug().Str("type", msg.Type()).Str("rule", rule.Kind.String()).Int("sent", sent).Msg("dispatched")
	return sent, nil
}

// Deliver queues msg to a single connection. A connection that has gone
// away is not an error.
func (r *Router) Deliver(connID string, msg interface{}) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	return r.registry.Deliver(connID, data), nil
}

func (r *Router) deliverAll(data []byte, match func(protocol.Identity) bool) int {
	sent := 0
	for connID, id := range r.registry.All() {
		if match(id) && r.registry.Deliver(connID, data) {
			sent++
		}
	}
	return sent
}

func (r *Router) targeted(data []byte, msg protocol.Message) int {
	userID, hasUser := msg.Int("user_id")
	if !hasUser {
		return r.deliverAll(data, excludeGate(msg))
	}

	// The department fallback applies only when no connection belongs to
	// the user, not when the user's connections could not take the message.
	matched := 0
	sent := r.deliverAll(data, func(id protocol.Identity) bool {
		if id.UserID != userID {
			return false
		}
		matched++
		return true
	})
	if matched > 0 {
		return sent
	}

	if departmentID, ok := msg.Int("department_id"); ok {
		return r.deliverAll(data, func(id protocol.Identity) bool {
			return id.InDepartment(departmentID)
		})
	}
	return 0
}

func excludeGate(msg protocol.Message) func(protocol.Identity) bool {
	excluded := msg.Ints("exclude")
	if len(excluded) == 0 {
		return func(protocol.Identity) bool { return true }
	}
	return func(id protocol.Identity) bool {
		for _, u := range excluded {
			if u == id.UserID {
				return false
			}
		}
		return true
	}
}

func permissionGate(rule Rule, msg protocol.Message) func(protocol.Identity) bool {
	subject, _ := msg.String("email")
	return func(id protocol.Identity) bool {
		if id.HasPermission(rule.Permission) {
			return true
		}
		return rule.AlsoIfEmailMatches && subject != "" && strings.EqualFold(subject, id.Email)
	}
}

func departmentGate(rule Rule, msg protocol.Message) func(protocol.Identity) bool {
	departmentID, hasDepartment := msg.Int("department_id")
	return func(id protocol.Identity) bool {
		if hasDepartment && id.InDepartment(departmentID) {
			return true
		}
		return rule.AlsoIfPermission != "" && id.HasPermission(rule.AlsoIfPermission)
	}
}
