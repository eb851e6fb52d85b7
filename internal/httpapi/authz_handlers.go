package httpapi

import (
	"net/http"

	"clinicore.org/internal/auth"
)

type checkRequest struct {
	Resource string   `json:"resource"`
	ID       string   `json:"id"`
	Action   string   `json:"action"`
	Category string   `json:"category,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

type checkResponse struct {
	Allowed  bool        `json:"allowed"`
	Resource string      `json:"resource"`
	ID       string      `json:"id"`
	Action   auth.Action `json:"action"`
}

func (a *API) checkAccess(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	action, err := auth.ParseAction(req.Action)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.ID == "" {
		writeErrorFields(w, r, http.StatusBadRequest, "validation failed", map[string]string{"id": "is required"})
		return
	}
	actor := currentActor(r)
	ctx := r.Context()
	var allowed bool
	switch req.Resource {
	case "patient":
		allowed, err = a.authz.CanAccessPatient(ctx, actor, req.ID, action, req.Fields...)
	case "appointment":
		allowed, err = a.authz.CanAccessAppointment(ctx, actor, req.ID, action)
	case "prescription":
		allowed, err = a.authz.CanAccessPrescription(ctx, actor, req.ID, action)
	case "document":
		allowed, err = a.authz.CanAccessDocument(ctx, actor, req.ID, action, req.Category)
	default:
		writeErrorFields(w, r, http.StatusBadRequest, "validation failed", map[string]string{
			"resource": "must be one of patient, appointment, prescription, document",
		})
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Allowed: allowed, Resource: req.Resource, ID: req.ID, Action: action})
}

func (a *API) registerPatient(w http.ResponseWriter, r *http.Request) {
	var ref auth.PatientRef
	if err := decodeJSON(r, &ref); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.records.RegisterPatient(r.Context(), currentActor(r).ID, ref)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) registerAppointment(w http.ResponseWriter, r *http.Request) {
	var ref auth.AppointmentRef
	if err := decodeJSON(r, &ref); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.records.RegisterAppointment(r.Context(), currentActor(r).ID, ref)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) registerPrescription(w http.ResponseWriter, r *http.Request) {
	var ref auth.PrescriptionRef
	if err := decodeJSON(r, &ref); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.records.RegisterPrescription(r.Context(), currentActor(r).ID, ref)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) registerDocument(w http.ResponseWriter, r *http.Request) {
	var ref auth.DocumentRef
	if err := decodeJSON(r, &ref); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.records.RegisterDocument(r.Context(), currentActor(r).ID, ref)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}
