package cli

import (
	"github.com/spf13/cobra"

	"github.com/cometa-rocks/wsrelay/internal/protocol"
)

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("user-id", 0, "User id to present")
	cmd.Flags().String("email", "", "Email to present")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().Int64Slice("department", nil, "Department id (repeatable)")
	cmd.Flags().StringSlice("permission", nil, "Granted permission, e.g. view_accounts (repeatable)")
}

func identityFromFlags(cmd *cobra.Command) protocol.Identity {
	userID, _ := cmd.Flags().GetInt64("user-id")
	email, _ := cmd.Flags().GetString("email")
	name, _ := cmd.Flags().GetString("name")
	departments, _ := cmd.Flags().GetInt64Slice("department")
	permissions, _ := cmd.Flags().GetStringSlice("permission")

	id := protocol.Identity{
		UserID:      userID,
		Email:       email,
		Name:        name,
		Departments: departments,
	}
	if len(permissions) > 0 {
		id.Permissions = make(map[string]bool, len(permissions))
		for _, p := range permissions {
			id.Permissions[p] = true
		}
	}
	return id
}
