package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"clinicore.org/internal/obs"
)

// Action is the verb of an access request.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction validates raw as a resource action.
func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, raw)
	}
}

func (a Action) mutates() bool { return a != ActionRead }

// DocumentCategoryInsurance is the only document category open to receptionists.
const DocumentCategoryInsurance = "insurance"

// DocumentCategoryAllowed reports whether role may handle documents of category.
// Only receptionists are restricted.
func DocumentCategoryAllowed(role Role, category string) bool {
	if role != RoleReceptionist {
		return true
	}
	return strings.ToLower(strings.TrimSpace(category)) == DocumentCategoryInsurance
}

// Actor is the resolved identity behind a request.
type Actor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

// ActorResolver looks up an actor by account id.
type ActorResolver interface {
	ResolveActor(ctx context.Context, accountID string) (Actor, error)
}

// DelegatedAccess is an active, unexpired grant as seen by the authorizer.
type DelegatedAccess struct {
	PatientID   string       `json:"patient_id"`
	AccessLevel AccessLevel  `json:"access_level"`
	Permissions []Permission `json:"permissions"`
}

// Allows reports whether the grant carries perm.
func (d DelegatedAccess) Allows(perm Permission) bool {
	return slices.Contains(d.Permissions, perm)
}

// GrantResolver answers whether a grantee currently holds delegated access to a patient.
type GrantResolver interface {
	ActiveGrant(ctx context.Context, granteeID, patientID string) (DelegatedAccess, bool, error)
}

// PatientRef is the ownership view of a patient record.
type PatientRef struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name"`
}

// AppointmentRef is the ownership view of an appointment.
type AppointmentRef struct {
	ID          string `json:"id"`
	PatientID   string `json:"patient_id"`
	ClinicianID string `json:"clinician_id"`
}

// PrescriptionRef is the ownership view of a prescription.
type PrescriptionRef struct {
	ID           string `json:"id"`
	PatientID    string `json:"patient_id"`
	PrescriberID string `json:"prescriber_id"`
}

// DocumentRef is the ownership view of a stored document.
type DocumentRef struct {
	ID         string `json:"id"`
	PatientID  string `json:"patient_id"`
	UploadedBy string `json:"uploaded_by"`
	Category   string `json:"category"`
}

// OwnershipResolver resolves who owns clinical records. Implementations return
// ErrNotFound for unknown ids.
type OwnershipResolver interface {
	Patient(ctx context.Context, id string) (PatientRef, error)
	Appointment(ctx context.Context, id string) (AppointmentRef, error)
	Prescription(ctx context.Context, id string) (PrescriptionRef, error)
	Document(ctx context.Context, id string) (DocumentRef, error)
}

// Authorizer evaluates resource-level access decisions. Role checks come first,
// resource carve-outs second, field refinement last.
type Authorizer struct {
	grants GrantResolver
	owners OwnershipResolver
	logger *slog.Logger
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithAuthorizerLogger sets the logger used for debug decision traces.
func WithAuthorizerLogger(l *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAuthorizer wires the grant and ownership lookups.
func NewAuthorizer(grants GrantResolver, owners OwnershipResolver, opts ...AuthorizerOption) (*Authorizer, error) {
	if grants == nil {
		return nil, errors.New("auth: grant resolver is required")
	}
	if owners == nil {
		return nil, errors.New("auth: ownership resolver is required")
	}
	a := &Authorizer{grants: grants, owners: owners, logger: obs.Discard()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CanManageAccounts reports whether actor may administer staff accounts.
func (a *Authorizer) CanManageAccounts(actor Actor) bool {
	return actor.Active && CanManageAccounts(actor.Role)
}

func (a *Authorizer) decide(resource string, actor Actor, action Action, allowed bool, err error) (bool, error) {
	if err != nil {
		obs.ObserveAuthzDecision(resource, "error")
		return false, err
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	obs.ObserveAuthzDecision(resource, outcome)
	a.logger.Debug("authz decision",
		slog.String("resource", resource),
		slog.String("actor_id", actor.ID),
		slog.String("role", string(actor.Role)),
		slog.String("action", string(action)),
		slog.String("outcome", outcome),
	)
	return allowed, nil
}

func patientPermission(action Action) Permission {
	switch action {
	case ActionCreate:
		return PermPatientsCreate
	case ActionUpdate:
		return PermPatientsUpdate
	case ActionDelete:
		return PermPatientsDelete
	default:
		return PermPatientsRead
	}
}

// scopedUpdate is the narrower update allowance a support role holds under a limited grant.
func scopedUpdate(role Role) Permission {
	if role == RoleReceptionist {
		return PermPatientsUpdateDemographics
	}
	return PermPatientsUpdateVitals
}

// AccessLevelFor resolves the level at which actor reaches patientID: full for
// administrators and the owning doctor, the grant level for support staff.
func (a *Authorizer) AccessLevelFor(ctx context.Context, actor Actor, patientID string) (AccessLevel, error) {
	if !actor.Active {
		return AccessNone, nil
	}
	if actor.Role == RoleAdministrator {
		return AccessFull, nil
	}
	if actor.Role == RoleDoctor {
		ref, err := a.owners.Patient(ctx, patientID)
		if err != nil {
			return AccessNone, err
		}
		if ref.OwnerID == actor.ID {
			return AccessFull, nil
		}
		return AccessNone, nil
	}
	if !actor.Role.IsSupport() {
		return AccessNone, nil
	}
	grant, ok, err := a.grants.ActiveGrant(ctx, actor.ID, patientID)
	if err != nil || !ok {
		return AccessNone, err
	}
	return grant.AccessLevel, nil
}

// CanAccessPatient decides whether actor may perform action on the patient.
// For updates, fields names the record fields being written; an empty list means
// a whole-record update.
func (a *Authorizer) CanAccessPatient(ctx context.Context, actor Actor, patientID string, action Action, fields ...string) (bool, error) {
	ok, err := a.canAccessPatient(ctx, actor, patientID, action, fields)
	return a.decide("patient", actor, action, ok, err)
}

func (a *Authorizer) canAccessPatient(ctx context.Context, actor Actor, patientID string, action Action, fields []string) (bool, error) {
	if !actor.Active {
		return false, nil
	}
	if actor.Role == RoleAdministrator {
		return true, nil
	}
	if action == ActionCreate {
		return HasPermission(actor.Role, PermPatientsCreate), nil
	}
	ref, err := a.owners.Patient(ctx, patientID)
	if err != nil {
		return false, err
	}
	if actor.Role == RoleDoctor {
		return ref.OwnerID == actor.ID && HasPermission(actor.Role, patientPermission(action)), nil
	}
	if !actor.Role.IsSupport() {
		return false, nil
	}
	grant, ok, err := a.grants.ActiveGrant(ctx, actor.ID, ref.ID)
	if err != nil || !ok {
		return false, err
	}
	switch action {
	case ActionRead:
		return true, nil
	case ActionUpdate:
		return grantPermitsUpdate(actor.Role, grant, fields), nil
	default:
		return false, nil
	}
}

func grantPermitsUpdate(role Role, grant DelegatedAccess, fields []string) bool {
	switch grant.AccessLevel {
	case AccessFull:
		if !grant.Allows(PermPatientsUpdate) {
			return false
		}
		for _, f := range fields {
			if !CanEdit(role, AccessFull, f) {
				return false
			}
		}
		return true
	case AccessLimited:
		if len(fields) == 0 || !grant.Allows(scopedUpdate(role)) {
			return false
		}
		for _, f := range fields {
			if !CanEdit(role, AccessLimited, f) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// hasPatientAccess reports whether a support-role actor holds an active grant on
// patientID whose level is one of levels (any level when none are given).
func (a *Authorizer) hasPatientAccess(ctx context.Context, actor Actor, patientID string, levels ...AccessLevel) (bool, error) {
	grant, ok, err := a.grants.ActiveGrant(ctx, actor.ID, patientID)
	if err != nil || !ok {
		return false, err
	}
	if len(levels) == 0 {
		return true, nil
	}
	return slices.Contains(levels, grant.AccessLevel), nil
}

func (a *Authorizer) ownsPatient(ctx context.Context, actor Actor, patientID string) (bool, error) {
	ref, err := a.owners.Patient(ctx, patientID)
	if err != nil {
		return false, err
	}
	return ref.OwnerID == actor.ID, nil
}

func resourcePermission(resource string, action Action) Permission {
	return Permission(resource + "." + string(action))
}

// CanAccessAppointment decides whether actor may perform action on an appointment.
// For ActionCreate the appointment id is ignored.
func (a *Authorizer) CanAccessAppointment(ctx context.Context, actor Actor, appointmentID string, action Action) (bool, error) {
	ok, err := a.canAccessAppointment(ctx, actor, appointmentID, action)
	return a.decide("appointment", actor, action, ok, err)
}

func (a *Authorizer) canAccessAppointment(ctx context.Context, actor Actor, appointmentID string, action Action) (bool, error) {
	if !actor.Active {
		return false, nil
	}
	if actor.Role == RoleAdministrator {
		return true, nil
	}
	if !HasPermission(actor.Role, resourcePermission("appointments", action)) {
		return false, nil
	}
	if action == ActionCreate {
		return true, nil
	}
	ref, err := a.owners.Appointment(ctx, appointmentID)
	if err != nil {
		return false, err
	}
	switch actor.Role {
	case RoleReceptionist:
		return true, nil
	case RoleDoctor:
		if ref.ClinicianID == actor.ID {
			return true, nil
		}
		return a.ownsPatient(ctx, actor, ref.PatientID)
	case RoleNurse:
		if action.mutates() {
			return a.hasPatientAccess(ctx, actor, ref.PatientID, AccessFull, AccessLimited)
		}
		return a.hasPatientAccess(ctx, actor, ref.PatientID)
	}
	return false, nil
}

// CanAccessPrescription decides whether actor may perform action on a prescription.
// Only doctors and administrators may create, change or remove prescriptions,
// whatever access has been delegated.
func (a *Authorizer) CanAccessPrescription(ctx context.Context, actor Actor, prescriptionID string, action Action) (bool, error) {
	ok, err := a.canAccessPrescription(ctx, actor, prescriptionID, action)
	return a.decide("prescription", actor, action, ok, err)
}

func (a *Authorizer) canAccessPrescription(ctx context.Context, actor Actor, prescriptionID string, action Action) (bool, error) {
	if !actor.Active {
		return false, nil
	}
	if actor.Role == RoleAdministrator {
		return true, nil
	}
	if action.mutates() && actor.Role != RoleDoctor {
		return false, nil
	}
	if !HasPermission(actor.Role, resourcePermission("prescriptions", action)) {
		return false, nil
	}
	if action == ActionCreate {
		return true, nil
	}
	ref, err := a.owners.Prescription(ctx, prescriptionID)
	if err != nil {
		return false, err
	}
	switch actor.Role {
	case RoleDoctor:
		if ref.PrescriberID == actor.ID {
			return true, nil
		}
		return a.ownsPatient(ctx, actor, ref.PatientID)
	case RoleNurse:
		// Prescriptions live in the medical bucket, hidden under a limited grant.
		return a.hasPatientAccess(ctx, actor, ref.PatientID, AccessFull, AccessReadOnly)
	}
	return false, nil
}

// CanAccessDocument decides whether actor may perform action on a document.
// For an existing document the stored category applies; a category passed
// alongside it must match. category alone is used for creates and when no
// document id is given. Receptionists are confined to insurance paperwork
// regardless of their general document permissions.
func (a *Authorizer) CanAccessDocument(ctx context.Context, actor Actor, documentID string, action Action, category string) (bool, error) {
	ok, err := a.canAccessDocument(ctx, actor, documentID, action, category)
	return a.decide("document", actor, action, ok, err)
}

func (a *Authorizer) canAccessDocument(ctx context.Context, actor Actor, documentID string, action Action, category string) (bool, error) {
	if !actor.Active {
		return false, nil
	}
	if actor.Role == RoleAdministrator {
		return true, nil
	}
	if !HasPermission(actor.Role, resourcePermission("documents", action)) {
		return false, nil
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if actor.Role == RoleReceptionist {
		if action == ActionCreate || documentID == "" {
			return DocumentCategoryAllowed(actor.Role, category), nil
		}
		ref, err := a.owners.Document(ctx, documentID)
		if err != nil {
			return false, err
		}
		stored := strings.ToLower(ref.Category)
		if category != "" && category != stored {
			return false, nil
		}
		return DocumentCategoryAllowed(actor.Role, stored), nil
	}
	if action == ActionCreate {
		return true, nil
	}
	ref, err := a.owners.Document(ctx, documentID)
	if err != nil {
		return false, err
	}
	switch actor.Role {
	case RoleDoctor:
		if ref.UploadedBy == actor.ID {
			return true, nil
		}
		return a.ownsPatient(ctx, actor, ref.PatientID)
	case RoleNurse:
		if action.mutates() {
			return a.hasPatientAccess(ctx, actor, ref.PatientID, AccessFull)
		}
		return a.hasPatientAccess(ctx, actor, ref.PatientID)
	}
	return false, nil
}
