package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/auth"
	"clinicore.org/internal/directory"
)

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	size, err := queryInt(r, "page_size", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	active, err := queryBool(r, "active")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := directory.ListQuery{
		Search:   r.URL.Query().Get("search"),
		Active:   active,
		Page:     page,
		PageSize: size,
	}
	if raw := r.URL.Query().Get("role"); raw != "" {
		role, err := auth.ParseRole(raw)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		q.Role = role
	}
	out, err := a.dir.List(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req directory.NewAccount
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.dir.Create(r.Context(), currentActor(r).ID, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/accounts/%s", acct.ID))
	writeJSON(w, http.StatusCreated, acct)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := currentActor(r)
	if actor.ID != id && !auth.HasPermission(actor.Role, auth.PermAccountsRead) {
		writeError(w, r, http.StatusForbidden, "missing permission "+string(auth.PermAccountsRead))
		return
	}
	acct, err := a.dir.GetByID(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request) {
	var patch directory.AccountPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.dir.Update(r.Context(), currentActor(r).ID, chi.URLParam(r, "id"), patch)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.dir.Delete(r.Context(), currentActor(r).ID, chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.dir.Deactivate(r.Context(), currentActor(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) activateAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.dir.Activate(r.Context(), currentActor(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) listGranteeGrants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := currentActor(r)
	if actor.ID != id && actor.Role != auth.RoleAdministrator {
		writeError(w, r, http.StatusForbidden, "grants are visible to their grantee and administrators")
		return
	}
	out, err := a.grants.ListForGrantee(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": out})
}
