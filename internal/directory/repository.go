package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"clinicore.org/internal/auth"
	"clinicore.org/internal/store"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

// Repository is the read side of the account collection.
type Repository struct {
	coll store.Collection[accountRecord]
}

var _ auth.ActorResolver = (*Repository)(nil)

// NewRepository reads accounts from s.
func NewRepository(s store.Store) *Repository {
	return &Repository{coll: store.NewCollection[accountRecord](s, store.KeyAccounts)}
}

func (r *Repository) load(ctx context.Context) ([]accountRecord, int64, error) {
	recs, version, err := r.coll.Load(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("directory: %w", err)
	}
	return recs, version, nil
}

func (r *Repository) find(ctx context.Context, id string) (accountRecord, error) {
	recs, _, err := r.load(ctx)
	if err != nil {
		return accountRecord{}, err
	}
	if i := indexByID(recs, id); i >= 0 {
		return recs[i], nil
	}
	return accountRecord{}, fmt.Errorf("%w: account %s", auth.ErrNotFound, id)
}

// GetByID returns the account with id.
func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	rec, err := r.find(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return rec.Account.clone(), nil
}

// ResolveActor returns the authorization identity of account id.
func (r *Repository) ResolveActor(ctx context.Context, id string) (auth.Actor, error) {
	rec, err := r.find(ctx, id)
	if err != nil {
		return auth.Actor{}, err
	}
	return rec.Actor(), nil
}

// ListQuery filters List. Page is 1-based.
type ListQuery struct {
	Search   string
	Role     auth.Role
	Active   *bool
	Page     int
	PageSize int
}

// AccountPage is one page of accounts ordered by display name.
type AccountPage struct {
	Accounts []Account `json:"accounts"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// List returns accounts matching q.
func (r *Repository) List(ctx context.Context, q ListQuery) (AccountPage, error) {
	recs, _, err := r.load(ctx)
	if err != nil {
		return AccountPage{}, err
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))
	matched := make([]Account, 0, len(recs))
	for _, rec := range recs {
		a := rec.Account
		if q.Role != "" && a.Role != q.Role {
			continue
		}
		if q.Active != nil && a.IsActive != *q.Active {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(a.DisplayName), search) &&
			!strings.Contains(a.Email, search) {
			continue
		}
		matched = append(matched, a.clone())
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return strings.ToLower(matched[i].DisplayName) < strings.ToLower(matched[j].DisplayName)
	})

	page, size := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	out := AccountPage{Accounts: []Account{}, Total: len(matched), Page: page, PageSize: size}
	if start := (page - 1) * size; start < len(matched) {
		out.Accounts = matched[start:min(start+size, len(matched))]
	}
	return out, nil
}

func indexByID(recs []accountRecord, id string) int {
	for i := range recs {
		if recs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByEmail(recs []accountRecord, email string) int {
	email = normalizeEmail(email)
	for i := range recs {
		if normalizeEmail(recs[i].Email) == email {
			return i
		}
	}
	return -1
}

func activeAdministrators(recs []accountRecord, except string) int {
	n := 0
	for _, rec := range recs {
		if rec.ID != except && rec.IsActive && rec.Role == auth.RoleAdministrator {
			n++
		}
	}
	return n
}
