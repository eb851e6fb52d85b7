package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hengadev/errsx"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/clock"
	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/store"
)

const (
	defaultMinSecretLength = 8
	maxDisplayNameLength   = 120
)

// Service owns every write to the account collection.
type Service struct {
	*Repository

	recorder  audit.Recorder
	issuer    *auth.SessionIssuer
	clock     clock.Clock
	logger    *slog.Logger
	minSecret int

	// mu serialises read-modify-write cycles of this process; the store
	// version check catches writers in other processes.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMinSecretLength overrides the minimum credential length.
func WithMinSecretLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minSecret = n
		}
	}
}

// NewService wires the directory to its repository, audit trail and session issuer.
func NewService(repo *Repository, recorder audit.Recorder, issuer *auth.SessionIssuer, opts ...Option) (*Service, error) {
	if repo == nil || recorder == nil || issuer == nil {
		return nil, errors.New("directory: repository, recorder and issuer are required")
	}
	s := &Service{
		Repository: repo,
		recorder:   recorder,
		issuer:     issuer,
		clock:      clock.Real(),
		logger:     obs.Discard(),
		minSecret:  defaultMinSecretLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// administrator resolves actorID and requires an active administrator.
func (s *Service) administrator(ctx context.Context, actorID string) (auth.Actor, error) {
	actor, err := s.ResolveActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.Actor{ID: actorID}, fmt.Errorf("%w: unknown actor", auth.ErrForbidden)
		}
		return auth.Actor{ID: actorID}, err
	}
	if !actor.Active || !auth.CanManageAccounts(actor.Role) {
		return actor, fmt.Errorf("%w: account management requires an administrator", auth.ErrForbidden)
	}
	return actor, nil
}

func (s *Service) save(ctx context.Context, recs []accountRecord, version int64) error {
	if _, err := s.coll.Save(ctx, recs, version); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return fmt.Errorf("%w: accounts changed concurrently, retry", auth.ErrConflict)
		}
		return fmt.Errorf("directory: %w", err)
	}
	return nil
}

func (s *Service) validateNew(in NewAccount) error {
	errs := errsx.Map{}
	if err := validateEmail(in.Email); err != nil {
		errs.Set("email", err)
	}
	if err := validateDisplayName(in.DisplayName); err != nil {
		errs.Set("display_name", err)
	}
	if !in.Role.Valid() {
		errs.Set("role", fmt.Errorf("unknown role %q", in.Role))
	}
	if err := s.validateSecret(in.Secret); err != nil {
		errs.Set("secret", err)
	}
	if err := errs.AsError(); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrValidation, err)
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("malformed email %q", email)
	}
	return nil
}

func validateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("display name is required")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return fmt.Errorf("display name exceeds %d characters", maxDisplayNameLength)
	}
	return nil
}

func (s *Service) validateSecret(secret string) error {
	if utf8.RuneCountInString(secret) < s.minSecret {
		return fmt.Errorf("secret must be at least %d characters", s.minSecret)
	}
	return nil
}

// Create adds an account. Only administrators may create accounts.
func (s *Service) Create(ctx context.Context, actorID string, in NewAccount) (Account, error) {
	actor, err := s.administrator(ctx, actorID)
	entry := audit.ByActor(actor, audit.ActionCreate, audit.ResourceAccount, "").Named(strings.TrimSpace(in.Email))
	if err != nil {
		s.recorder.Record(ctx, entry.Outcome(err))
		return Account{}, err
	}
	acct, err := s.insert(ctx, in, actor.ID)
	if err == nil {
		entry.ResourceID = acct.ID
		entry = entry.Named(acct.DisplayName).Detail("role=" + string(acct.Role))
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	return acct, err
}

func (s *Service) insert(ctx context.Context, in NewAccount, createdBy string) (Account, error) {
	in.Role = auth.Role(strings.ToLower(strings.TrimSpace(string(in.Role))))
	if err := s.validateNew(in); err != nil {
		return Account{}, err
	}
	hash, err := auth.HashSecret(in.Secret)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs, version, err := s.load(ctx)
	if err != nil {
		return Account{}, err
	}
	if indexByEmail(recs, in.Email) >= 0 {
		return Account{}, fmt.Errorf("%w: email %s is already registered", auth.ErrConflict, normalizeEmail(in.Email))
	}
	now := s.clock.Now()
	acct := Account{
		ID:          ids.NewAt(now),
		Email:       normalizeEmail(in.Email),
		DisplayName: strings.TrimSpace(in.DisplayName),
		Role:        in.Role,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   createdBy,
		Profile:     mergeAttributes(nil, in.Profile),
		Settings:    mergeAttributes(nil, in.Settings),
	}
	recs = append(recs, accountRecord{Account: acct, SecretHash: hash})
	if err := s.save(ctx, recs, version); err != nil {
		return Account{}, err
	}
	return acct.clone(), nil
}

// EnsureAdministrator creates in as the first administrator when no active
// administrator exists. It reports whether an account was created.
func (s *Service) EnsureAdministrator(ctx context.Context, in NewAccount) (Account, bool, error) {
	recs, _, err := s.load(ctx)
	if err != nil {
		return Account{}, false, err
	}
	if activeAdministrators(recs, "") > 0 {
		return Account{}, false, nil
	}
	in.Role = auth.RoleAdministrator
	acct, err := s.insert(ctx, in, SystemActor)
	entry := audit.Anonymous(SystemActor, audit.ActionCreate, audit.ResourceAccount).
		Named(strings.TrimSpace(in.Email)).Detail("bootstrap administrator")
	if err == nil {
		entry.ResourceID = acct.ID
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	if err != nil {
		return Account{}, false, err
	}
	s.logger.Info("bootstrap administrator created", slog.String("account_id", acct.ID))
	return acct, true, nil
}

// Update applies patch to targetID. Administrators may change anything except
// their own role; other accounts may only edit themselves and never their role.
func (s *Service) Update(ctx context.Context, actorID, targetID string, patch AccountPatch) (Account, error) {
	actor, err := s.ResolveActor(ctx, actorID)
	if err != nil && errors.Is(err, auth.ErrNotFound) {
		err = fmt.Errorf("%w: unknown actor", auth.ErrForbidden)
		actor = auth.Actor{ID: actorID}
	}
	entry := audit.ByActor(actor, audit.ActionUpdate, audit.ResourceAccount, targetID)
	if err == nil {
		var acct Account
		acct, err = s.update(ctx, actor, targetID, patch)
		if err == nil {
			entry = entry.Named(acct.DisplayName).Detail(describePatch(patch))
			s.recorder.Record(ctx, entry.Outcome(nil))
			return acct, nil
		}
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	return Account{}, err
}

func (s *Service) update(ctx context.Context, actor auth.Actor, targetID string, patch AccountPatch) (Account, error) {
	isAdmin := actor.Active && auth.CanManageAccounts(actor.Role)
	self := actor.ID == targetID
	switch {
	case !actor.Active:
		return Account{}, fmt.Errorf("%w: actor is inactive", auth.ErrForbidden)
	case !isAdmin && !self:
		return Account{}, fmt.Errorf("%w: accounts may only be edited by their owner or an administrator", auth.ErrForbidden)
	case patch.Role != nil && !isAdmin:
		return Account{}, fmt.Errorf("%w: only administrators change roles", auth.ErrForbidden)
	case patch.Role != nil && self:
		return Account{}, fmt.Errorf("%w: accounts cannot change their own role", auth.ErrForbidden)
	}
	if patch.empty() {
		return Account{}, fmt.Errorf("%w: nothing to update", auth.ErrValidation)
	}

	errs := errsx.Map{}
	if patch.Email != nil {
		if err := validateEmail(*patch.Email); err != nil {
			errs.Set("email", err)
		}
	}
	if patch.DisplayName != nil {
		if err := validateDisplayName(*patch.DisplayName); err != nil {
			errs.Set("display_name", err)
		}
	}
	if patch.Role != nil && !patch.Role.Valid() {
		errs.Set("role", fmt.Errorf("unknown role %q", *patch.Role))
	}
	if err := errs.AsError(); err != nil {
		return Account{}, fmt.Errorf("%w: %w", auth.ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs, version, err := s.load(ctx)
	if err != nil {
		return Account{}, err
	}
	i := indexByID(recs, targetID)
	if i < 0 {
		return Account{}, fmt.Errorf("%w: account %s", auth.ErrNotFound, targetID)
	}
	rec := recs[i]
	if patch.Email != nil {
		if j := indexByEmail(recs, *patch.Email); j >= 0 && j != i {
			return Account{}, fmt.Errorf("%w: email %s is already registered", auth.ErrConflict, normalizeEmail(*patch.Email))
		}
		rec.Email = normalizeEmail(*patch.Email)
	}
	if patch.DisplayName != nil {
		rec.DisplayName = strings.TrimSpace(*patch.DisplayName)
	}
	if patch.Role != nil && *patch.Role != rec.Role {
		if rec.Role == auth.RoleAdministrator && rec.IsActive && activeAdministrators(recs, rec.ID) == 0 {
			return Account{}, fmt.Errorf("%w: cannot demote the last active administrator", auth.ErrInvariant)
		}
		rec.Role = *patch.Role
	}
	rec.Profile = mergeAttributes(rec.Profile, patch.Profile)
	rec.Settings = mergeAttributes(rec.Settings, patch.Settings)
	rec.UpdatedAt = s.clock.Now()
	recs[i] = rec
	if err := s.save(ctx, recs, version); err != nil {
		return Account{}, err
	}
	return rec.Account.clone(), nil
}

func describePatch(p AccountPatch) string {
	var changed []string
	if p.Email != nil {
		changed = append(changed, "email")
	}
	if p.DisplayName != nil {
		changed = append(changed, "display_name")
	}
	if p.Role != nil {
		changed = append(changed, "role="+string(*p.Role))
	}
	if len(p.Profile) > 0 {
		changed = append(changed, "profile")
	}
	if len(p.Settings) > 0 {
		changed = append(changed, "settings")
	}
	return "changed " + strings.Join(changed, ", ")
}

// Deactivate disables targetID. Administrators cannot deactivate themselves
// or the last active administrator.
func (s *Service) Deactivate(ctx context.Context, actorID, targetID string) (Account, error) {
	return s.setActive(ctx, actorID, targetID, false)
}

// Activate re-enables targetID.
func (s *Service) Activate(ctx context.Context, actorID, targetID string) (Account, error) {
	return s.setActive(ctx, actorID, targetID, true)
}

func (s *Service) setActive(ctx context.Context, actorID, targetID string, active bool) (Account, error) {
	action := audit.ActionDeactivate
	if active {
		action = audit.ActionActivate
	}
	actor, err := s.administrator(ctx, actorID)
	entry := audit.ByActor(actor, action, audit.ResourceAccount, targetID)
	if err != nil {
		s.recorder.Record(ctx, entry.Outcome(err))
		return Account{}, err
	}
	acct, err := s.mutateStatus(ctx, actor, targetID, func(recs []accountRecord, i int) ([]accountRecord, error) {
		recs[i].IsActive = active
		recs[i].UpdatedAt = s.clock.Now()
		return recs, nil
	}, !active)
	if err == nil {
		entry = entry.Named(acct.DisplayName)
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	return acct, err
}

// Delete removes targetID. The same self and last-administrator rules as
// Deactivate apply.
func (s *Service) Delete(ctx context.Context, actorID, targetID string) error {
	actor, err := s.administrator(ctx, actorID)
	entry := audit.ByActor(actor, audit.ActionDelete, audit.ResourceAccount, targetID)
	if err != nil {
		s.recorder.Record(ctx, entry.Outcome(err))
		return err
	}
	acct, err := s.mutateStatus(ctx, actor, targetID, func(recs []accountRecord, i int) ([]accountRecord, error) {
		return append(recs[:i], recs[i+1:]...), nil
	}, true)
	if err == nil {
		entry = entry.Named(acct.DisplayName)
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	return err
}

// mutateStatus applies fn to the target record. When removing is set, the
// last-administrator invariant is checked before the self rule.
func (s *Service) mutateStatus(
	ctx context.Context,
	actor auth.Actor,
	targetID string,
	fn func([]accountRecord, int) ([]accountRecord, error),
	removing bool,
) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, version, err := s.load(ctx)
	if err != nil {
		return Account{}, err
	}
	i := indexByID(recs, targetID)
	if i < 0 {
		return Account{}, fmt.Errorf("%w: account %s", auth.ErrNotFound, targetID)
	}
	before := recs[i].Account.clone()
	if removing && before.Role == auth.RoleAdministrator && before.IsActive && activeAdministrators(recs, before.ID) == 0 {
		return Account{}, fmt.Errorf("%w: at least one active administrator must remain", auth.ErrInvariant)
	}
	if removing && actor.ID == targetID {
		return Account{}, fmt.Errorf("%w: administrators cannot remove their own account", auth.ErrForbidden)
	}
	recs, err = fn(recs, i)
	if err != nil {
		return Account{}, err
	}
	if err := s.save(ctx, recs, version); err != nil {
		return Account{}, err
	}
	if j := indexByID(recs, targetID); j >= 0 {
		return recs[j].Account.clone(), nil
	}
	return before, nil
}
