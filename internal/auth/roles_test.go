package auth

import (
	"errors"
	"slices"
	"testing"
)

func TestHasPermissionMatchesTableForNonAdmins(t *testing.T) {
	for _, def := range Definitions() {
		if def.ID == RoleAdministrator {
			continue
		}
		for _, p := range AllPermissions {
			want := slices.Contains(def.Permissions, p)
			if got := HasPermission(def.ID, p); got != want {
				t.Fatalf("HasPermission(%s, %s)=%v, want %v", def.ID, p, got, want)
			}
		}
	}
}

func TestAdministratorIsUniversalAllow(t *testing.T) {
	for _, p := range AllPermissions {
		if !HasPermission(RoleAdministrator, p) {
			t.Fatalf("admin denied %s", p)
		}
	}
	if !HasPermission(RoleAdministrator, Permission("billing.invoices.void")) {
		t.Fatal("admin short-circuit must not consult the table")
	}
	if !HasAll(RoleAdministrator, Permission("x.y"), Permission("z.w")) {
		t.Fatal("admin HasAll should be true")
	}
}

func TestHasAnyHasAll(t *testing.T) {
	if !HasAny(RoleNurse, PermPatientsDelete, PermPatientsUpdateVitals) {
		t.Fatal("nurse should hold vitals update")
	}
	if HasAll(RoleNurse, PermPatientsDelete, PermPatientsUpdateVitals) {
		t.Fatal("nurse must not hold patient delete")
	}
	if HasAny(Role("intern"), PermPatientsRead) {
		t.Fatal("unknown role must hold nothing")
	}
}

func TestDefinitionLookup(t *testing.T) {
	def, err := Definition(RoleReceptionist)
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if !def.IsSystemRole || def.Name != "Receptionist" {
		t.Fatalf("unexpected definition: %+v", def)
	}
	def.Permissions[0] = "tampered"
	again, _ := Definition(RoleReceptionist)
	if again.Permissions[0] == "tampered" {
		t.Fatal("Definition must return a copy")
	}
	if _, err := Definition("janitor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if PermissionsFor("janitor") != nil {
		t.Fatal("unknown role should have no permissions")
	}
}

func TestParsePermissionAndRole(t *testing.T) {
	if p, err := ParsePermission(" Patients.Update.Vitals "); err != nil || p != PermPatientsUpdateVitals {
		t.Fatalf("ParsePermission: %v %v", p, err)
	}
	if _, err := ParsePermission("patients.updat"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected typo to be rejected, got %v", err)
	}
	if r, err := ParseRole("NURSE"); err != nil || r != RoleNurse {
		t.Fatalf("ParseRole: %v %v", r, err)
	}
	if _, err := ParseRole("owner"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestRoleCategories(t *testing.T) {
	if !RoleNurse.IsSupport() || !RoleReceptionist.IsSupport() {
		t.Fatal("nurse and receptionist are support roles")
	}
	if RoleDoctor.IsSupport() || RoleAdministrator.IsSupport() {
		t.Fatal("doctor and admin are not support roles")
	}
	if !RoleDoctor.CanDelegate() || RoleNurse.CanDelegate() {
		t.Fatal("delegation rights mismatch")
	}
	if !CanManageAccounts(RoleAdministrator) || CanManageAccounts(RoleDoctor) {
		t.Fatal("only admins manage accounts")
	}
}
