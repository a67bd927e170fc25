package roles

import (
	"errors"
	"testing"
)

func TestDecodeAdminRecord(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantNil bool
		wantErr bool
	}{
		{"null", `null`, true, false},
		{"empty array", `[]`, true, false},
		{"object", `{"id":"u1","email":"a@x.io","name":"A","school_code":"S1","is_super_admin":false,"is_active":true}`, false, false},
		{"single row array", `[{"id":"u1","email":"a@x.io","school_code":null,"is_super_admin":true,"is_active":true}]`, false, false},
		{"two rows", `[{"id":"u1"},{"id":"u1"}]`, true, true},
		{"foreign id", `{"id":"u2","email":"a@x.io","school_code":"S1","is_super_admin":false,"is_active":true}`, true, true},
		{"string flag", `{"id":"u1","email":"a@x.io","school_code":"S1","is_super_admin":"true","is_active":true}`, true, true},
		{"missing school_code", `{"id":"u1","email":"a@x.io","is_super_admin":true,"is_active":true}`, true, true},
		{"null school without super", `{"id":"u1","email":"a@x.io","school_code":null,"is_super_admin":false,"is_active":true}`, true, true},
		{"not json", `{`, true, true},
		{"scalar", `42`, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := decodeAdminRecord([]byte(tt.raw), "u1")
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPayload) {
					t.Fatalf("expected ErrMalformedPayload, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (rec == nil) != tt.wantNil {
				t.Errorf("record = %+v, wantNil %v", rec, tt.wantNil)
			}
		})
	}
}

func TestDecodeSchoolAdminProfile(t *testing.T) {
	p, err := decodeSchoolAdminProfile([]byte(
		`{"user_id":"u1","is_school_admin":true,"is_super_admin":false,"school_code":"S1","can_manage_teachers":true}`), "u1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Manages("S1") || p.Source != "grant" {
		t.Errorf("profile = %+v", p)
	}

	if _, err := decodeSchoolAdminProfile([]byte(
		`{"user_id":"u2","is_school_admin":true,"is_super_admin":false,"school_code":"S1","can_manage_teachers":true}`), "u1"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("foreign row: expected ErrMalformedPayload, got %v", err)
	}
	if _, err := decodeSchoolAdminProfile([]byte(
		`{"is_school_admin":1,"is_super_admin":false,"school_code":"S1","can_manage_teachers":true}`), "u1"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("numeric flag: expected ErrMalformedPayload, got %v", err)
	}
}

func TestDecodeAssignments(t *testing.T) {
	got, err := decodeAssignments([]byte(
		`[{"user_id":"u1","role":"teacher","school_code":"A"},{"user_id":"u1","role":"student","school_code":"B"}]`), "u1")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Role != RoleTeacher || got[1].SchoolCode != "B" {
		t.Errorf("assignments = %+v", got)
	}

	bad := []string{
		`[{"user_id":"u1","role":"owner","school_code":"A"}]`,
		`[{"user_id":"u2","role":"teacher","school_code":"A"}]`,
		`[{"user_id":"u1","role":"teacher","school_code":"A"},{"user_id":"u1","role":"student","school_code":"A"}]`,
		`[{"user_id":"u1","role":"teacher","school_code":""}]`,
		`{"user_id":"u1","role":"teacher","school_code":"A"}`,
		`["teacher"]`,
	}
	for _, raw := range bad {
		if _, err := decodeAssignments([]byte(raw), "u1"); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("decodeAssignments(%s): expected ErrMalformedPayload, got %v", raw, err)
		}
	}

	if got, err := decodeAssignments([]byte(`null`), "u1"); err != nil || len(got) != 0 {
		t.Errorf("null: got %+v, %v", got, err)
	}
}
