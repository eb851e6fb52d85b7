package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/auth"
	"clinicore.org/internal/grants"
)

// canManageSharing reports whether actor administers the sharing of patientID:
// administrators and the owning doctor.
func (a *API) canManageSharing(ctx context.Context, actor auth.Actor, patientID string) (bool, error) {
	if actor.Role == auth.RoleAdministrator {
		if _, err := a.records.Patient(ctx, patientID); err != nil {
			return false, err
		}
		return true, nil
	}
	if actor.Role != auth.RoleDoctor {
		return false, nil
	}
	p, err := a.records.Patient(ctx, patientID)
	if err != nil {
		return false, err
	}
	return p.OwnerID == actor.ID, nil
}

func (a *API) listPatientGrants(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	ok, err := a.canManageSharing(r.Context(), currentActor(r), patientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, "only the owning doctor or an administrator may view sharing")
		return
	}
	out, err := a.grants.ListForPatient(r.Context(), patientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": out})
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	var req grants.GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.GrantedBy = currentActor(r).ID
	req.PatientID = chi.URLParam(r, "patientID")
	g, err := a.grants.Grant(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/grants/%s", g.ID))
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request) {
	g, err := a.grants.Revoke(r.Context(), currentActor(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type accessResponse struct {
	PatientID      string           `json:"patient_id"`
	AccountID      string           `json:"account_id"`
	AccessLevel    auth.AccessLevel `json:"access_level"`
	VisibleFields  []string         `json:"visible_fields"`
	EditableFields []string         `json:"editable_fields"`
}

// patientAccess reports the caller's effective level on a patient. Sharing
// managers may ask on behalf of another account with ?account_id=.
func (a *API) patientAccess(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	actor := currentActor(r)
	subject := actor
	if other := r.URL.Query().Get("account_id"); other != "" && other != actor.ID {
		ok, err := a.canManageSharing(r.Context(), actor, patientID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if !ok {
			writeError(w, r, http.StatusForbidden, "only the owning doctor or an administrator may inspect another account")
			return
		}
		subject, err = a.dir.ResolveActor(r.Context(), other)
		if err != nil {
			a.fail(w, r, err)
			return
		}
	}
	level, err := a.authz.AccessLevelFor(r.Context(), subject, patientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accessResponse{
		PatientID:      patientID,
		AccountID:      subject.ID,
		AccessLevel:    level,
		VisibleFields:  nonNil(auth.AllowedFields(subject.Role, level)),
		EditableFields: nonNil(auth.EditableFields(subject.Role, level)),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
