package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicore.org/internal/auth"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Filter narrows a query. Zero values match everything; From and To are
// inclusive.
type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	Success      *bool
	Search       string
	From         time.Time
	To           time.Time
}

func (f Filter) match(e Entry) bool {
	if f.ActorID != "" && (e.ActorAccountID == nil || *e.ActorAccountID != f.ActorID) {
		return false
	}
	if f.Action != "" && !strings.EqualFold(e.Action, f.Action) {
		return false
	}
	if f.ResourceType != "" && !strings.EqualFold(e.ResourceType, f.ResourceType) {
		return false
	}
	if f.Success != nil && e.IsSuccess != *f.Success {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(e.ResourceName), q) &&
			!strings.Contains(strings.ToLower(e.Details), q) &&
			!strings.Contains(strings.ToLower(e.ActorName), q) {
			return false
		}
	}
	return true
}

// Page is one slice of a filtered, newest-first result.
type Page struct {
	Entries  []Entry `json:"entries"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// Query returns page (1-based) of the entries matching f. Only active
// administrators may read the trail.
func (l *Log) Query(ctx context.Context, actorID string, f Filter, page, pageSize int) (Page, error) {
	matched, err := l.Search(ctx, actorID, f)
	if err != nil {
		return Page{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	out := Page{Total: len(matched), Page: page, PageSize: pageSize, Entries: []Entry{}}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return out, nil
	}
	end := min(start+pageSize, len(matched))
	out.Entries = matched[start:end]
	return out, nil
}

// Search returns every entry matching f, newest first, without pagination.
func (l *Log) Search(ctx context.Context, actorID string, f Filter) ([]Entry, error) {
	entries, err := l.readAll(ctx, actorID)
	if err != nil {
		return nil, err
	}
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.match(e) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// QueryByResource returns the retained history of one resource, newest first.
func (l *Log) QueryByResource(ctx context.Context, actorID, resourceType, resourceID string) ([]Entry, error) {
	entries, err := l.readAll(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out := []Entry{}
	for _, e := range entries {
		if strings.EqualFold(e.ResourceType, resourceType) && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify recomputes the hash chain over the retained entries.
func (l *Log) Verify(ctx context.Context, actorID string) (VerifyReport, error) {
	entries, err := l.readAll(ctx, actorID)
	if err != nil {
		return VerifyReport{}, err
	}
	return verifyChain(l.chainKey, entries), nil
}

func (l *Log) readAll(ctx context.Context, actorID string) ([]Entry, error) {
	if err := l.requireAdministrator(ctx, actorID); err != nil {
		return nil, err
	}
	entries, _, err := l.coll.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return entries, nil
}

func (l *Log) requireAdministrator(ctx context.Context, actorID string) error {
	actor, err := l.actors.ResolveActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("%w: audit trail requires an administrator", auth.ErrForbidden)
		}
		return err
	}
	if !actor.Active || actor.Role != auth.RoleAdministrator {
		return fmt.Errorf("%w: audit trail requires an administrator", auth.ErrForbidden)
	}
	return nil
}
