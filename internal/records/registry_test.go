package records

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/store"
)

type fakeActors map[string]auth.Actor

func (f fakeActors) ResolveActor(_ context.Context, id string) (auth.Actor, error) {
	if a, ok := f[id]; ok {
		return a, nil
	}
	return auth.Actor{}, fmt.Errorf("%w: account %s", auth.ErrNotFound, id)
}

type countingRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *countingRecorder) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

var actors = fakeActors{
	"A1": {ID: "A1", Name: "Admin", Role: auth.RoleAdministrator, Active: true},
	"D1": {ID: "D1", Name: "Dr. One", Role: auth.RoleDoctor, Active: true},
	"D2": {ID: "D2", Name: "Dr. Two", Role: auth.RoleDoctor, Active: false},
	"N1": {ID: "N1", Name: "Nurse", Role: auth.RoleNurse, Active: true},
	"R1": {ID: "R1", Name: "Desk", Role: auth.RoleReceptionist, Active: true},
}

func newRegistry(t *testing.T) (*Registry, *countingRecorder) {
	t.Helper()
	rec := &countingRecorder{}
	r, err := NewRegistry(store.NewMemory(), actors, rec)
	require.NoError(t, err)
	return r, rec
}

func TestRegisterPatientOwnership(t *testing.T) {
	r, rec := newRegistry(t)
	ctx := context.Background()

	p, err := r.RegisterPatient(ctx, "D1", auth.PatientRef{ID: "P1", DisplayName: " Jane Roe "})
	require.NoError(t, err)
	assert.Equal(t, "D1", p.OwnerID)
	assert.Equal(t, "Jane Roe", p.DisplayName)

	got, err := r.Patient(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = r.RegisterPatient(ctx, "D1", auth.PatientRef{ID: "P1"})
	assert.ErrorIs(t, err, auth.ErrConflict)

	_, err = r.RegisterPatient(ctx, "D1", auth.PatientRef{OwnerID: "D9"})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = r.RegisterPatient(ctx, "R1", auth.PatientRef{DisplayName: "Walk-in"})
	assert.ErrorIs(t, err, auth.ErrValidation)

	_, err = r.RegisterPatient(ctx, "R1", auth.PatientRef{DisplayName: "Walk-in", OwnerID: "D2"})
	assert.ErrorIs(t, err, auth.ErrValidation)

	p2, err := r.RegisterPatient(ctx, "R1", auth.PatientRef{DisplayName: "Walk-in", OwnerID: "D1"})
	require.NoError(t, err)
	assert.NotEmpty(t, p2.ID)

	_, err = r.RegisterPatient(ctx, "N1", auth.PatientRef{OwnerID: "D1"})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	assert.Len(t, rec.entries, 7)
	assert.True(t, rec.entries[0].IsSuccess)
	assert.False(t, rec.entries[1].IsSuccess)
}

func TestRegisterDependents(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.RegisterPatient(ctx, "D1", auth.PatientRef{ID: "P1"})
	require.NoError(t, err)

	appt, err := r.RegisterAppointment(ctx, "R1", auth.AppointmentRef{ID: "AP1", PatientID: "P1", ClinicianID: "D1"})
	require.NoError(t, err)
	assert.Equal(t, "D1", appt.ClinicianID)

	_, err = r.RegisterAppointment(ctx, "R1", auth.AppointmentRef{PatientID: "P404", ClinicianID: "D1"})
	assert.ErrorIs(t, err, auth.ErrNotFound)

	rx, err := r.RegisterPrescription(ctx, "D1", auth.PrescriptionRef{ID: "RX1", PatientID: "P1", PrescriberID: "someone"})
	require.NoError(t, err)
	assert.Equal(t, "D1", rx.PrescriberID)

	_, err = r.RegisterPrescription(ctx, "N1", auth.PrescriptionRef{PatientID: "P1"})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	doc, err := r.RegisterDocument(ctx, "N1", auth.DocumentRef{ID: "DOC1", PatientID: "P1", Category: "Lab-Results"})
	require.NoError(t, err)
	assert.Equal(t, "N1", doc.UploadedBy)
	assert.Equal(t, "lab-results", doc.Category)

	_, err = r.RegisterDocument(ctx, "N1", auth.DocumentRef{PatientID: "P1"})
	assert.ErrorIs(t, err, auth.ErrValidation)

	_, err = r.RegisterDocument(ctx, "R1", auth.DocumentRef{ID: "DOC-R1", PatientID: "P1", Category: "lab-results"})
	assert.ErrorIs(t, err, auth.ErrForbidden, "front desk files insurance paperwork only")
	_, err = r.Document(ctx, "DOC-R1")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	ins, err := r.RegisterDocument(ctx, "R1", auth.DocumentRef{ID: "DOC-R1", PatientID: "P1", Category: "Insurance"})
	require.NoError(t, err)
	assert.Equal(t, "insurance", ins.Category)

	for _, lookupErr := range []error{
		func() error { _, err := r.Appointment(ctx, "nope"); return err }(),
		func() error { _, err := r.Prescription(ctx, "nope"); return err }(),
		func() error { _, err := r.Document(ctx, "nope"); return err }(),
	} {
		assert.ErrorIs(t, lookupErr, auth.ErrNotFound)
	}
}
