// Package records keeps the ownership index of clinical records: who owns a
// patient, who runs an appointment, who prescribed, who uploaded. It never
// stores clinical content.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/store"
)

// Registry is a store-backed auth.OwnershipResolver.
type Registry struct {
	patients      store.Collection[auth.PatientRef]
	appointments  store.Collection[auth.AppointmentRef]
	prescriptions store.Collection[auth.PrescriptionRef]
	documents     store.Collection[auth.DocumentRef]

	actors   auth.ActorResolver
	recorder audit.Recorder
	logger   *slog.Logger

	mu sync.Mutex
}

var _ auth.OwnershipResolver = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds a registry over s.
func NewRegistry(s store.Store, actors auth.ActorResolver, recorder audit.Recorder, opts ...Option) (*Registry, error) {
	if s == nil || actors == nil || recorder == nil {
		return nil, errors.New("records: store, actors and recorder are required")
	}
	r := &Registry{
		patients:      store.NewCollection[auth.PatientRef](s, store.KeyPatients),
		appointments:  store.NewCollection[auth.AppointmentRef](s, store.KeyAppointments),
		prescriptions: store.NewCollection[auth.PrescriptionRef](s, store.KeyPrescriptions),
		documents:     store.NewCollection[auth.DocumentRef](s, store.KeyDocuments),
		actors:        actors,
		recorder:      recorder,
		logger:        obs.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func lookup[T any](ctx context.Context, c store.Collection[T], kind, id string, idOf func(T) string) (T, error) {
	var zero T
	items, _, err := c.Load(ctx)
	if err != nil {
		return zero, fmt.Errorf("records: %w", err)
	}
	if i := slices.IndexFunc(items, func(it T) bool { return idOf(it) == id }); i >= 0 {
		return items[i], nil
	}
	return zero, fmt.Errorf("%w: %s %s", auth.ErrNotFound, kind, id)
}

func insert[T any](ctx context.Context, c store.Collection[T], kind string, item T, idOf func(T) string) error {
	items, version, err := c.Load(ctx)
	if err != nil {
		return fmt.Errorf("records: %w", err)
	}
	id := idOf(item)
	if slices.ContainsFunc(items, func(it T) bool { return idOf(it) == id }) {
		return fmt.Errorf("%w: %s %s already registered", auth.ErrConflict, kind, id)
	}
	if _, err := c.Save(ctx, append(items, item), version); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return fmt.Errorf("%w: %s index changed concurrently, retry", auth.ErrConflict, kind)
		}
		return fmt.Errorf("records: %w", err)
	}
	return nil
}

func patientID(p auth.PatientRef) string           { return p.ID }
func appointmentID(a auth.AppointmentRef) string   { return a.ID }
func prescriptionID(p auth.PrescriptionRef) string { return p.ID }
func documentID(d auth.DocumentRef) string         { return d.ID }

// Patient returns the ownership view of patient id.
func (r *Registry) Patient(ctx context.Context, id string) (auth.PatientRef, error) {
	return lookup(ctx, r.patients, "patient", id, patientID)
}

// Appointment returns the ownership view of appointment id.
func (r *Registry) Appointment(ctx context.Context, id string) (auth.AppointmentRef, error) {
	return lookup(ctx, r.appointments, "appointment", id, appointmentID)
}

// Prescription returns the ownership view of prescription id.
func (r *Registry) Prescription(ctx context.Context, id string) (auth.PrescriptionRef, error) {
	return lookup(ctx, r.prescriptions, "prescription", id, prescriptionID)
}

// Document returns the ownership view of document id.
func (r *Registry) Document(ctx context.Context, id string) (auth.DocumentRef, error) {
	return lookup(ctx, r.documents, "document", id, documentID)
}

// actor resolves actorID and requires perm.
func (r *Registry) actor(ctx context.Context, actorID string, perm auth.Permission) (auth.Actor, error) {
	actor, err := r.actors.ResolveActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Actor{ID: actorID}, fmt.Errorf("%w: unknown actor", auth.ErrForbidden)
		}
		return auth.Actor{ID: actorID}, err
	}
	if !actor.Active || !auth.HasPermission(actor.Role, perm) {
		return actor, fmt.Errorf("%w: %s lacks %s", auth.ErrForbidden, actor.Role, perm)
	}
	return actor, nil
}

// doctor resolves id and requires an active doctor.
func (r *Registry) doctor(ctx context.Context, id, field string) error {
	a, err := r.actors.ResolveActor(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("%w: %s %s is not a known account", auth.ErrValidation, field, id)
		}
		return err
	}
	if !a.Active || a.Role != auth.RoleDoctor {
		return fmt.Errorf("%w: %s must be an active doctor", auth.ErrValidation, field)
	}
	return nil
}

// RegisterPatient indexes a patient under its owning doctor. Doctors always
// own the patients they register; other roles must name an owner.
func (r *Registry) RegisterPatient(ctx context.Context, actorID string, ref auth.PatientRef) (auth.PatientRef, error) {
	actor, err := r.actor(ctx, actorID, auth.PermPatientsCreate)
	if err == nil {
		ref.ID = idOrNew(ref.ID)
		ref.DisplayName = strings.TrimSpace(ref.DisplayName)
		switch {
		case actor.Role == auth.RoleDoctor && ref.OwnerID == "":
			ref.OwnerID = actor.ID
		case actor.Role == auth.RoleDoctor && ref.OwnerID != actor.ID:
			err = fmt.Errorf("%w: doctors register patients under themselves", auth.ErrForbidden)
		case ref.OwnerID == "":
			err = fmt.Errorf("%w: owner_id is required", auth.ErrValidation)
		}
	}
	if err == nil && actor.Role != auth.RoleDoctor {
		err = r.doctor(ctx, ref.OwnerID, "owner_id")
	}
	if err == nil {
		r.mu.Lock()
		err = insert(ctx, r.patients, "patient", ref, patientID)
		r.mu.Unlock()
	}
	r.audit(ctx, actor, audit.ResourcePatient, ref.ID, ref.DisplayName, "owner "+ref.OwnerID, err)
	if err != nil {
		return auth.PatientRef{}, err
	}
	return ref, nil
}

// RegisterAppointment indexes an appointment of an existing patient.
func (r *Registry) RegisterAppointment(ctx context.Context, actorID string, ref auth.AppointmentRef) (auth.AppointmentRef, error) {
	actor, err := r.actor(ctx, actorID, auth.PermAppointmentsCreate)
	if err == nil {
		ref.ID = idOrNew(ref.ID)
		if actor.Role == auth.RoleDoctor && ref.ClinicianID == "" {
			ref.ClinicianID = actor.ID
		}
		_, err = r.Patient(ctx, ref.PatientID)
	}
	if err == nil {
		err = r.doctor(ctx, ref.ClinicianID, "clinician_id")
	}
	if err == nil {
		r.mu.Lock()
		err = insert(ctx, r.appointments, "appointment", ref, appointmentID)
		r.mu.Unlock()
	}
	r.audit(ctx, actor, audit.ResourceAppointment, ref.ID, "", "patient "+ref.PatientID, err)
	if err != nil {
		return auth.AppointmentRef{}, err
	}
	return ref, nil
}

// RegisterPrescription indexes a prescription. Doctors prescribe as themselves.
func (r *Registry) RegisterPrescription(ctx context.Context, actorID string, ref auth.PrescriptionRef) (auth.PrescriptionRef, error) {
	actor, err := r.actor(ctx, actorID, auth.PermPrescriptionsCreate)
	if err == nil {
		ref.ID = idOrNew(ref.ID)
		if actor.Role == auth.RoleDoctor {
			ref.PrescriberID = actor.ID
		}
		_, err = r.Patient(ctx, ref.PatientID)
	}
	if err == nil {
		err = r.doctor(ctx, ref.PrescriberID, "prescriber_id")
	}
	if err == nil {
		r.mu.Lock()
		err = insert(ctx, r.prescriptions, "prescription", ref, prescriptionID)
		r.mu.Unlock()
	}
	r.audit(ctx, actor, audit.ResourcePrescription, ref.ID, "", "patient "+ref.PatientID, err)
	if err != nil {
		return auth.PrescriptionRef{}, err
	}
	return ref, nil
}

// RegisterDocument indexes a document uploaded by the actor.
func (r *Registry) RegisterDocument(ctx context.Context, actorID string, ref auth.DocumentRef) (auth.DocumentRef, error) {
	actor, err := r.actor(ctx, actorID, auth.PermDocumentsCreate)
	if err == nil {
		ref.ID = idOrNew(ref.ID)
		ref.UploadedBy = actor.ID
		ref.Category = strings.ToLower(strings.TrimSpace(ref.Category))
		switch {
		case ref.Category == "":
			err = fmt.Errorf("%w: category is required", auth.ErrValidation)
		case !auth.DocumentCategoryAllowed(actor.Role, ref.Category):
			err = fmt.Errorf("%w: %s may not file %s documents", auth.ErrForbidden, actor.Role, ref.Category)
		}
	}
	if err == nil {
		_, err = r.Patient(ctx, ref.PatientID)
	}
	if err == nil {
		r.mu.Lock()
		err = insert(ctx, r.documents, "document", ref, documentID)
		r.mu.Unlock()
	}
	r.audit(ctx, actor, audit.ResourceDocument, ref.ID, ref.Category, "patient "+ref.PatientID, err)
	if err != nil {
		return auth.DocumentRef{}, err
	}
	return ref, nil
}

func (r *Registry) audit(ctx context.Context, actor auth.Actor, resourceType, id, name, detail string, err error) {
	r.recorder.Record(ctx, audit.ByActor(actor, audit.ActionCreate, resourceType, id).Named(name).Detail(detail).Outcome(err))
	if err != nil {
		r.logger.Debug("record registration rejected",
			slog.String("resource_type", resourceType),
			slog.String("actor_id", actor.ID),
			slog.String("error", err.Error()),
		)
	}
}

func idOrNew(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return ids.New()
}
