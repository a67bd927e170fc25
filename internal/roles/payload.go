package roles

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Lookup responses are decoded into generic JSON values and checked field by
// field before any flag is trusted.

type object map[string]any

// single unwraps a 0..1 row response. Both a bare object and an array are
// accepted; null and [] mean no row.
func single(raw []byte) (object, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch t := v.(type) {
	case map[string]any:
		return object(t), nil
	case []any:
		switch len(t) {
		case 0:
			return nil, nil
		case 1:
			m, ok := t[0].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: row is not an object", ErrMalformedPayload)
			}
			return object(m), nil
		default:
			return nil, fmt.Errorf("%w: expected at most one row, got %d", ErrMalformedPayload, len(t))
		}
	}
	return nil, fmt.Errorf("%w: unexpected %T", ErrMalformedPayload, v)
}

func rows(raw []byte) ([]object, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var v []any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	out := make([]object, 0, len(v))
	for _, r := range v {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: row is not an object", ErrMalformedPayload)
		}
		out = append(out, object(m))
	}
	return out, nil
}

func (o object) str(key string) (string, error) {
	s, ok := o[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedPayload, key)
	}
	return s, nil
}

func (o object) optStr(key string) (string, error) {
	v, present := o[key]
	if !present || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformedPayload, key)
	}
	return s, nil
}

func (o object) nullableStr(key string) (*string, error) {
	v, present := o[key]
	if !present {
		return nil, fmt.Errorf("%w: %s is missing", ErrMalformedPayload, key)
	}
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, fmt.Errorf("%w: %s must be a non-empty string or null", ErrMalformedPayload, key)
	}
	return &s, nil
}

func (o object) boolean(key string) (bool, error) {
	b, ok := o[key].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrMalformedPayload, key)
	}
	return b, nil
}

func (o object) optBool(key string) (bool, error) {
	v, present := o[key]
	if !present || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrMalformedPayload, key)
	}
	return b, nil
}

// decodeAdminRecord validates a get_my_admin_profile response. The row must
// belong to subject.
func decodeAdminRecord(raw []byte, subject string) (*AdminRecord, error) {
	o, err := single(raw)
	if err != nil || o == nil {
		return nil, err
	}

	rec := &AdminRecord{}
	if rec.ID, err = o.str("id"); err != nil {
		return nil, err
	}
	if rec.ID != subject {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, ErrForeignIdentity)
	}
	if rec.Email, err = o.str("email"); err != nil {
		return nil, err
	}
	if rec.Name, err = o.optStr("name"); err != nil {
		return nil, err
	}
	if rec.SchoolCode, err = o.nullableStr("school_code"); err != nil {
		return nil, err
	}
	if rec.IsSuperAdmin, err = o.boolean("is_super_admin"); err != nil {
		return nil, err
	}
	if rec.IsActive, err = o.boolean("is_active"); err != nil {
		return nil, err
	}
	if rec.AllSchools, err = o.optBool("all_schools"); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return rec, nil
}

// decodeSchoolAdminProfile validates a get_my_school_admin_profile response.
func decodeSchoolAdminProfile(raw []byte, subject string) (*SchoolAdminProfile, error) {
	o, err := single(raw)
	if err != nil || o == nil {
		return nil, err
	}

	if owner, err := o.optStr("user_id"); err != nil {
		return nil, err
	} else if owner != "" && owner != subject {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, ErrForeignIdentity)
	}

	p := &SchoolAdminProfile{Source: "grant"}
	if p.IsSchoolAdmin, err = o.boolean("is_school_admin"); err != nil {
		return nil, err
	}
	if p.IsSuperAdmin, err = o.boolean("is_super_admin"); err != nil {
		return nil, err
	}
	if p.SchoolCode, err = o.nullableStr("school_code"); err != nil {
		return nil, err
	}
	if p.CanManageTeachers, err = o.boolean("can_manage_teachers"); err != nil {
		return nil, err
	}
	return p, nil
}

// decodeAssignments validates a get_my_role response. Every row must belong
// to subject and the school codes must be unique.
func decodeAssignments(raw []byte, subject string) ([]RoleAssignment, error) {
	objs, err := rows(raw)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(objs))
	out := make([]RoleAssignment, 0, len(objs))
	for _, o := range objs {
		var a RoleAssignment
		if a.Subject, err = o.str("user_id"); err != nil {
			return nil, err
		}
		if a.Subject != subject {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, ErrForeignIdentity)
		}
		role, err := o.str("role")
		if err != nil {
			return nil, err
		}
		a.Role = AssignmentRole(role)
		if !a.Role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrMalformedPayload, role)
		}
		if a.SchoolCode, err = o.str("school_code"); err != nil {
			return nil, err
		}
		if a.SchoolCode == "" || seen[a.SchoolCode] {
			return nil, fmt.Errorf("%w: duplicate or empty school code", ErrMalformedPayload)
		}
		seen[a.SchoolCode] = true
		out = append(out, a)
	}
	return out, nil
}
