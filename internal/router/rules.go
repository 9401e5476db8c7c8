package router

import "github.com/cometa-rocks/wsrelay/internal/protocol"

// Kind selects how a message's recipients are chosen.
type Kind int

const (
	// Broadcast reaches every connection except users listed in "exclude".
	Broadcast Kind = iota
	// PermissionGated reaches connections holding Rule.Permission, plus the
	// connection whose email equals the message's "email" when
	// Rule.AlsoIfEmailMatches is set.
	PermissionGated
	// DepartmentGated reaches members of the message's "department_id",
	// plus holders of Rule.AlsoIfPermission when set.
	DepartmentGated
	// TargetedWithFallback reaches the message's "user_id". With no such
	// connection it falls back to the "department_id", and with no user id
	// at all to a broadcast.
	TargetedWithFallback
)

func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "broadcast"
	case PermissionGated:
		return "permission_gated"
	case DepartmentGated:
		return "department_gated"
	case TargetedWithFallback:
		return "targeted"
	default:
		return "unknown"
	}
}

// Rule is the routing policy attached to a message type.
type Rule struct {
	Kind               Kind
	Permission         string
	AlsoIfEmailMatches bool
	AlsoIfPermission   string
}

func BroadcastRule() Rule { return Rule{Kind: Broadcast} }

func PermissionRule(permission string, alsoIfEmailMatches bool) Rule {
	return Rule{Kind: PermissionGated, Permission: permission, AlsoIfEmailMatches: alsoIfEmailMatches}
}

func DepartmentRule(alsoIfPermission string) Rule {
	return Rule{Kind: DepartmentGated, AlsoIfPermission: alsoIfPermission}
}

func TargetedRule() Rule { return Rule{Kind: TargetedWithFallback} }

// DefaultRules returns the routing table for known message types. Types
// missing from the table are broadcast.
func DefaultRules() map[string]Rule {
	accounts := PermissionRule(protocol.PermViewAccounts, true)
	departments := DepartmentRule(protocol.PermViewDepartmentsPanel)

	return map[string]Rule{
		protocol.TypeAccountModified: accounts,
		protocol.TypeAccountRemoved:  accounts,

		protocol.TypeDepartmentModified: departments,
		protocol.TypeDepartmentRemoved:  departments,
		protocol.TypeFolderModified:     departments,
		protocol.TypeFolderRemoved:      departments,
		protocol.TypeFeatureCreated:     departments,
		protocol.TypeFeatureModified:    departments,
		protocol.TypeFeatureRemoved:     departments,
		protocol.TypeVariablesModified:  departments,

		protocol.TypeDataDrivenStatus: TargetedRule(),
		protocol.TypeMobileContainer:  TargetedRule(),
		protocol.TypeMobileShared:     TargetedRule(),
	}
}
