package httpapi

import (
	"net/http"

	"clinicore.org/internal/auth"
)

type loginRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := a.dir.Authenticate(r.Context(), req.Email, req.Secret)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	a.dir.Logout(r.Context(), sess)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) currentSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sess)
}

type changeCredentialRequest struct {
	Current string `json:"current"`
	Next    string `json:"next"`
}

func (a *API) changeCredential(w http.ResponseWriter, r *http.Request) {
	var req changeCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.dir.ChangeCredential(r.Context(), currentActor(r).ID, req.Current, req.Next); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"roles":       auth.Definitions(),
		"permissions": auth.AllPermissions,
	})
}
