package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Role is one of the fixed staff categories.
type Role string

const (
	RoleAdministrator Role = "admin"
	RoleDoctor        Role = "doctor"
	RoleNurse         Role = "nurse"
	RoleReceptionist  Role = "receptionist"
)

// Permission is a namespaced capability token of the form resource.action[.scope].
type Permission string

const (
	PermPatientsCreate             Permission = "patients.create"
	PermPatientsRead               Permission = "patients.read"
	PermPatientsUpdate             Permission = "patients.update"
	PermPatientsUpdateVitals       Permission = "patients.update.vitals"
	PermPatientsUpdateDemographics Permission = "patients.update.demographics"
	PermPatientsDelete             Permission = "patients.delete"
	PermPatientsShare              Permission = "patients.share"

	PermAppointmentsCreate Permission = "appointments.create"
	PermAppointmentsRead   Permission = "appointments.read"
	PermAppointmentsUpdate Permission = "appointments.update"
	PermAppointmentsDelete Permission = "appointments.delete"

	PermPrescriptionsCreate Permission = "prescriptions.create"
	PermPrescriptionsRead   Permission = "prescriptions.read"
	PermPrescriptionsUpdate Permission = "prescriptions.update"
	PermPrescriptionsDelete Permission = "prescriptions.delete"

	PermDocumentsCreate Permission = "documents.create"
	PermDocumentsRead   Permission = "documents.read"
	PermDocumentsUpdate Permission = "documents.update"
	PermDocumentsDelete Permission = "documents.delete"

	PermAccountsRead   Permission = "accounts.read"
	PermAccountsManage Permission = "accounts.manage"

	PermAuditRead   Permission = "audit.read"
	PermAuditExport Permission = "audit.export"
)

// AllPermissions is the complete catalog in display order.
var AllPermissions = []Permission{
	PermPatientsCreate, PermPatientsRead, PermPatientsUpdate, PermPatientsUpdateVitals,
	PermPatientsUpdateDemographics, PermPatientsDelete, PermPatientsShare,
	PermAppointmentsCreate, PermAppointmentsRead, PermAppointmentsUpdate, PermAppointmentsDelete,
	PermPrescriptionsCreate, PermPrescriptionsRead, PermPrescriptionsUpdate, PermPrescriptionsDelete,
	PermDocumentsCreate, PermDocumentsRead, PermDocumentsUpdate, PermDocumentsDelete,
	PermAccountsRead, PermAccountsManage,
	PermAuditRead, PermAuditExport,
}

var knownPermissions = func() map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		set[p] = struct{}{}
	}
	return set
}()

// ParsePermission validates raw against the catalog.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownPermissions[p]; !ok {
		return "", fmt.Errorf("%w: unknown permission %q", ErrValidation, raw)
	}
	return p, nil
}

// ParseRole validates raw against the role enumeration.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := registry[r]; !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, raw)
	}
	return r, nil
}

// Valid reports whether r is a built-in role.
func (r Role) Valid() bool {
	_, ok := registry[r]
	return ok
}

// IsSupport reports whether r may receive delegated patient access.
func (r Role) IsSupport() bool {
	return r == RoleNurse || r == RoleReceptionist
}

// CanDelegate reports whether r may grant patient access to others.
func (r Role) CanDelegate() bool {
	return r == RoleAdministrator || r == RoleDoctor
}

// RoleDefinition describes a built-in role.
type RoleDefinition struct {
	ID           Role         `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Permissions  []Permission `json:"permissions"`
	IsSystemRole bool         `json:"is_system_role"`
}

func (d RoleDefinition) clone() RoleDefinition {
	d.Permissions = slices.Clone(d.Permissions)
	return d
}

var definitions = []RoleDefinition{
	{
		ID:           RoleAdministrator,
		Name:         "Administrator",
		Description:  "Full access to every record, account and the audit trail.",
		Permissions:  AllPermissions,
		IsSystemRole: true,
	},
	{
		ID:          RoleDoctor,
		Name:        "Doctor",
		Description: "Owns patient records and may delegate access to support staff.",
		Permissions: []Permission{
			PermPatientsCreate, PermPatientsRead, PermPatientsUpdate, PermPatientsUpdateVitals,
			PermPatientsUpdateDemographics, PermPatientsDelete, PermPatientsShare,
			PermAppointmentsCreate, PermAppointmentsRead, PermAppointmentsUpdate, PermAppointmentsDelete,
			PermPrescriptionsCreate, PermPrescriptionsRead, PermPrescriptionsUpdate, PermPrescriptionsDelete,
			PermDocumentsCreate, PermDocumentsRead, PermDocumentsUpdate, PermDocumentsDelete,
			PermAccountsRead,
		},
		IsSystemRole: true,
	},
	{
		ID:          RoleNurse,
		Name:        "Nurse",
		Description: "Clinical support; works on patients shared by a doctor.",
		Permissions: []Permission{
			PermPatientsRead, PermPatientsUpdateVitals,
			PermAppointmentsRead, PermAppointmentsUpdate,
			PermPrescriptionsRead,
			PermDocumentsCreate, PermDocumentsRead,
		},
		IsSystemRole: true,
	},
	{
		ID:          RoleReceptionist,
		Name:        "Receptionist",
		Description: "Front desk; scheduling, demographics and insurance paperwork.",
		Permissions: []Permission{
			PermPatientsCreate, PermPatientsRead, PermPatientsUpdateDemographics,
			PermAppointmentsCreate, PermAppointmentsRead, PermAppointmentsUpdate, PermAppointmentsDelete,
			PermDocumentsCreate, PermDocumentsRead,
		},
		IsSystemRole: true,
	},
}

var registry = func() map[Role]map[Permission]struct{} {
	out := make(map[Role]map[Permission]struct{}, len(definitions))
	for _, def := range definitions {
		set := make(map[Permission]struct{}, len(def.Permissions))
		for _, p := range def.Permissions {
			if _, ok := knownPermissions[p]; !ok {
				panic(fmt.Sprintf("auth: role %s references unknown permission %s", def.ID, p))
			}
			set[p] = struct{}{}
		}
		out[def.ID] = set
	}
	return out
}()

// PermissionsFor returns the ordered permission set of role, or nil for an unknown role.
func PermissionsFor(role Role) []Permission {
	for _, def := range definitions {
		if def.ID == role {
			return slices.Clone(def.Permissions)
		}
	}
	return nil
}

// Definition returns the definition of role.
func Definition(role Role) (RoleDefinition, error) {
	for _, def := range definitions {
		if def.ID == role {
			return def.clone(), nil
		}
	}
	return RoleDefinition{}, fmt.Errorf("%w: role %q", ErrNotFound, role)
}

// Definitions lists every built-in role.
func Definitions() []RoleDefinition {
	out := make([]RoleDefinition, 0, len(definitions))
	for _, def := range definitions {
		out = append(out, def.clone())
	}
	return out
}

// HasPermission reports whether role holds perm. Administrators hold everything,
// including permissions the catalog does not list.
func HasPermission(role Role, perm Permission) bool {
	if role == RoleAdministrator {
		return true
	}
	set, ok := registry[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// HasAny reports whether role holds at least one of perms.
func HasAny(role Role, perms ...Permission) bool {
	if role == RoleAdministrator {
		return true
	}
	for _, p := range perms {
		if HasPermission(role, p) {
			return true
		}
	}
	return false
}

// HasAll reports whether role holds every one of perms.
func HasAll(role Role, perms ...Permission) bool {
	if role == RoleAdministrator {
		return true
	}
	for _, p := range perms {
		if !HasPermission(role, p) {
			return false
		}
	}
	return true
}

// CanManageAccounts reports whether role may administer staff accounts.
func CanManageAccounts(role Role) bool {
	return role == RoleAdministrator
}
