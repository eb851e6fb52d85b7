package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
)

func parseAuditFilter(r *http.Request) (audit.Filter, map[string]string) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:      q.Get("actor_id"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		Search:       q.Get("search"),
	}
	problems := map[string]string{}
	success, err := queryBool(r, "success")
	if err != nil {
		problems["success"] = "must be a boolean"
	}
	f.Success = success
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			problems[name] = "must be an RFC 3339 timestamp"
			continue
		}
		*dst = t
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		problems["to"] = "must not precede from"
	}
	return f, problems
}

func (a *API) queryAudit(w http.ResponseWriter, r *http.Request) {
	f, problems := parseAuditFilter(r)
	page, err := queryInt(r, "page", 1)
	if err != nil {
		problems["page"] = "must be an integer"
	}
	size, err := queryInt(r, "page_size", audit.DefaultPageSize)
	if err != nil {
		problems["page_size"] = "must be an integer"
	}
	if len(problems) > 0 {
		writeErrorFields(w, r, http.StatusBadRequest, "validation failed", problems)
		return
	}
	out, err := a.audit.Query(r.Context(), currentActor(r).ID, f, page, size)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) exportAudit(w http.ResponseWriter, r *http.Request) {
	actor := currentActor(r)
	if !auth.HasPermission(actor.Role, auth.PermAuditExport) {
		writeError(w, r, http.StatusForbidden, "missing permission "+string(auth.PermAuditExport))
		return
	}
	f, problems := parseAuditFilter(r)
	if len(problems) > 0 {
		writeErrorFields(w, r, http.StatusBadRequest, "validation failed", problems)
		return
	}
	entries, err := a.audit.Search(r.Context(), actor.ID, f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	body, err := audit.Export(entries)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.Record(r.Context(), audit.ByActor(actor, audit.ActionExport, audit.ResourceAuditLog, "").
		Detail(fmt.Sprintf("exported %d entries", len(entries))))

	name := fmt.Sprintf("audit-%s.csv", time.Now().UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *API) verifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := a.audit.Verify(r.Context(), currentActor(r).ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) auditByResource(w http.ResponseWriter, r *http.Request) {
	entries, err := a.audit.QueryByResource(r.Context(), currentActor(r).ID, chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// streamAudit pushes newly persisted audit entries as Server-Sent Events.
func (a *API) streamAudit(w http.ResponseWriter, r *http.Request) {
	actor := currentActor(r)
	if actor.Role != auth.RoleAdministrator || !actor.Active {
		writeError(w, r, http.StatusForbidden, "audit stream is restricted to administrators")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.audit.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", entry.ID, payload)
		flusher.Flush()
	}
}
