package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Identity is the profile a client presents at handshake. The relay trusts
// these claims; it only checks that the user id and email are present.
type Identity struct {
	UserID      int64           `json:"user_id"`
	Email       string          `json:"email"`
	Name        string          `json:"name,omitempty"`
	Departments []int64         `json:"departments,omitempty"`
	Permissions map[string]bool `json:"user_permissions,omitempty"`
}

// HasPermission reports whether the named capability is granted.
func (i Identity) HasPermission(name string) bool {
	return i.Permissions[name]
}

// InDepartment reports whether the identity belongs to the department.
func (i Identity) InDepartment(departmentID int64) bool {
	for _, d := range i.Departments {
		if d == departmentID {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts numeric or string user ids, and departments given
// either as ids or as {"department_id": ..} objects.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID      json.RawMessage   `json:"user_id"`
		Email       string            `json:"email"`
		Name        string            `json:"name"`
		Departments []json.RawMessage `json:"departments"`
		Permissions map[string]bool   `json:"user_permissions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Identity
	if len(raw.UserID) > 0 && !bytes.Equal(raw.UserID, []byte("null")) {
		id, err := DecodeInt(raw.UserID)
		if err != nil {
			return fmt.Errorf("user_id: %w", err)
		}
		out.UserID = id
	}
	out.Email = raw.Email
	out.Name = raw.Name
	out.Permissions = raw.Permissions

	for _, d := range raw.Departments {
		id, err := decodeDepartment(d)
		if err != nil {
			return fmt.Errorf("departments: %w", err)
		}
		out.Departments = append(out.Departments, id)
	}

	*i = out
	return nil
}

func decodeDepartment(raw json.RawMessage) (int64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			DepartmentID json.RawMessage `json:"department_id"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return 0, err
		}
		if len(obj.DepartmentID) == 0 {
			return 0, errors.New("department_id is required")
		}
		return DecodeInt(obj.DepartmentID)
	}
	return DecodeInt(trimmed)
}

// DecodeInt decodes a JSON number or numeric string as an integer.
func DecodeInt(raw json.RawMessage) (int64, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	n, ok := ToInt(v)
	if !ok {
		return 0, fmt.Errorf("not an integer: %s", raw)
	}
	return n, nil
}

// ParseIdentity decodes an identity given either as a JSON object or as a
// JSON string containing the encoded object.
func ParseIdentity(raw json.RawMessage) (Identity, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Identity{}, errors.New("identity is required")
	}
	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return Identity{}, err
		}
		trimmed = []byte(encoded)
	}
	var id Identity
	if err := json.Unmarshal(trimmed, &id); err != nil {
		return Identity{}, err
	}
	return id, nil
}
