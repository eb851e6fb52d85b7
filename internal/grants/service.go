package grants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
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
	DefaultMinReason = 10
	DefaultMaxReason = 500
)

// Service owns the grant collection.
type Service struct {
	coll     store.Collection[Grant]
	actors   auth.ActorResolver
	owners   auth.OwnershipResolver
	recorder audit.Recorder
	clock    clock.Clock
	logger   *slog.Logger

	minReason, maxReason int

	mu sync.Mutex
}

var _ auth.GrantResolver = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for expiry.
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

// WithReasonBounds overrides the accepted reason length in characters.
func WithReasonBounds(minLen, maxLen int) Option {
	return func(s *Service) {
		if minLen > 0 && maxLen >= minLen {
			s.minReason, s.maxReason = minLen, maxLen
		}
	}
}

// NewService builds a grant manager over s.
func NewService(s store.Store, actors auth.ActorResolver, owners auth.OwnershipResolver, recorder audit.Recorder, opts ...Option) (*Service, error) {
	if s == nil || actors == nil || owners == nil || recorder == nil {
		return nil, errors.New("grants: store, actors, owners and recorder are required")
	}
	svc := &Service{
		coll:      store.NewCollection[Grant](s, store.KeyGrants),
		actors:    actors,
		owners:    owners,
		recorder:  recorder,
		clock:     clock.Real(),
		logger:    obs.Discard(),
		minReason: DefaultMinReason,
		maxReason: DefaultMaxReason,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) load(ctx context.Context) ([]Grant, int64, error) {
	gs, version, err := s.coll.Load(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("grants: %w", err)
	}
	return gs, version, nil
}

func (s *Service) save(ctx context.Context, gs []Grant, version int64) error {
	if _, err := s.coll.Save(ctx, gs, version); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return fmt.Errorf("%w: grants changed concurrently, retry", auth.ErrConflict)
		}
		return fmt.Errorf("grants: %w", err)
	}
	return nil
}

// Grant delegates access to a patient. Every attempt is audited.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (Grant, error) {
	g, granter, detail, err := s.grant(ctx, req)
	entry := audit.ByActor(granter, audit.ActionGrant, audit.ResourceGrant, g.ID).Detail(detail)
	if ref, rerr := s.owners.Patient(ctx, req.PatientID); rerr == nil {
		entry = entry.Named(ref.DisplayName)
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	if err != nil {
		return Grant{}, err
	}
	obs.ObserveGrantChange("granted")
	s.logger.Info("patient access granted",
		slog.String("grant_id", g.ID),
		slog.String("patient_id", g.PatientID),
		slog.String("grantee_id", g.GranteeAccountID),
		slog.String("access_level", string(g.AccessLevel)),
	)
	return g, nil
}

func (s *Service) grant(ctx context.Context, req GrantRequest) (Grant, auth.Actor, string, error) {
	detail := fmt.Sprintf("patient %s to account %s", req.PatientID, req.GranteeID)

	granter, err := s.actors.ResolveActor(ctx, req.GrantedBy)
	if err != nil {
		granter = auth.Actor{ID: req.GrantedBy}
		if errors.Is(err, auth.ErrNotFound) {
			err = fmt.Errorf("%w: unknown granter", auth.ErrForbidden)
		}
		return Grant{}, granter, detail, err
	}
	if !granter.Active || !granter.Role.CanDelegate() {
		return Grant{}, granter, detail, fmt.Errorf("%w: %s accounts cannot delegate patient access", auth.ErrForbidden, granter.Role)
	}

	patient, err := s.owners.Patient(ctx, req.PatientID)
	if err != nil {
		return Grant{}, granter, detail, err
	}
	if granter.Role == auth.RoleDoctor && patient.OwnerID != granter.ID {
		return Grant{}, granter, detail, fmt.Errorf("%w: only the owning doctor may share this patient", auth.ErrForbidden)
	}

	grantee, err := s.actors.ResolveActor(ctx, req.GranteeID)
	if err != nil {
		return Grant{}, granter, detail, err
	}
	detail = fmt.Sprintf("patient %s to %s (%s)", patientLabel(patient), grantee.Name, grantee.ID)
	if !grantee.Role.IsSupport() {
		return Grant{}, granter, detail, fmt.Errorf("%w: grants may only target nurses or receptionists", auth.ErrForbidden)
	}
	if !grantee.Active {
		return Grant{}, granter, detail, fmt.Errorf("%w: grantee account is inactive", auth.ErrForbidden)
	}

	now := s.clock.Now()
	perms, err := s.validate(req, grantee.Role, now)
	if err != nil {
		return Grant{}, granter, detail, err
	}
	level := auth.AccessLevel(strings.ToLower(strings.TrimSpace(string(req.AccessLevel))))
	detail = fmt.Sprintf("%s access to patient %s for %s (%s)", level, patientLabel(patient), grantee.Name, grantee.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	gs, version, err := s.load(ctx)
	if err != nil {
		return Grant{}, granter, detail, err
	}
	for _, existing := range gs {
		if existing.PatientID == req.PatientID && existing.GranteeAccountID == req.GranteeID && existing.EffectiveAt(now) {
			return Grant{}, granter, detail, fmt.Errorf("%w: %s already holds active access to this patient", auth.ErrConflict, grantee.Name)
		}
	}
	g := Grant{
		ID:                 ids.NewAt(now),
		PatientID:          req.PatientID,
		GranteeAccountID:   req.GranteeID,
		GrantedByAccountID: granter.ID,
		AccessLevel:        level,
		Permissions:        perms,
		GrantedAt:          now,
		IsActive:           true,
		Reason:             strings.TrimSpace(req.Reason),
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		g.ExpiresAt = &exp
	}
	gs = append(gs, g)
	if err := s.save(ctx, gs, version); err != nil {
		return Grant{}, granter, detail, err
	}
	return g, granter, detail, nil
}

// validate checks the request body and returns the permission set to store.
func (s *Service) validate(req GrantRequest, granteeRole auth.Role, now time.Time) ([]auth.Permission, error) {
	errs := errsx.Map{}

	reason := strings.TrimSpace(req.Reason)
	if n := utf8.RuneCountInString(reason); n < s.minReason || n > s.maxReason {
		errs.Set("reason", fmt.Errorf("reason must be between %d and %d characters, got %d", s.minReason, s.maxReason, n))
	}

	var allowed []auth.Permission
	level, err := auth.ParseAccessLevel(string(req.AccessLevel))
	if err != nil {
		errs.Set("access_level", err)
	} else {
		allowed = allowance(level, granteeRole)
	}

	perms := slices.Clone(req.Permissions)
	if len(perms) == 0 {
		perms = allowed
	}
	if err == nil {
		for _, p := range perms {
			if !slices.Contains(allowed, p) {
				errs.Set("permissions", fmt.Errorf("%s is not allowed at %s access", p, level))
				break
			}
		}
	}
	slices.Sort(perms)
	perms = slices.Compact(perms)

	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		errs.Set("expires_at", errors.New("expiry must be in the future"))
	}

	if err := errs.AsError(); err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrValidation, err)
	}
	return perms, nil
}

func patientLabel(p auth.PatientRef) string {
	if p.DisplayName == "" {
		return p.ID
	}
	return p.DisplayName
}

// Revoke deactivates grantID. Only the original granter or an administrator
// may revoke.
func (s *Service) Revoke(ctx context.Context, revokedBy, grantID string) (Grant, error) {
	actor, g, err := s.revoke(ctx, revokedBy, grantID)
	entry := audit.ByActor(actor, audit.ActionRevoke, audit.ResourceGrant, grantID)
	if g.ID != "" {
		entry = entry.Detail(fmt.Sprintf("patient %s from account %s", g.PatientID, g.GranteeAccountID))
		if ref, rerr := s.owners.Patient(ctx, g.PatientID); rerr == nil {
			entry = entry.Named(ref.DisplayName)
		}
	}
	s.recorder.Record(ctx, entry.Outcome(err))
	if err != nil {
		return Grant{}, err
	}
	obs.ObserveGrantChange("revoked")
	return g, nil
}

func (s *Service) revoke(ctx context.Context, revokedBy, grantID string) (auth.Actor, Grant, error) {
	actor, err := s.actors.ResolveActor(ctx, revokedBy)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			err = fmt.Errorf("%w: unknown actor", auth.ErrForbidden)
		}
		return auth.Actor{ID: revokedBy}, Grant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	gs, version, err := s.load(ctx)
	if err != nil {
		return actor, Grant{}, err
	}
	i := slices.IndexFunc(gs, func(g Grant) bool { return g.ID == grantID })
	if i < 0 {
		return actor, Grant{}, fmt.Errorf("%w: grant %s", auth.ErrNotFound, grantID)
	}
	g := gs[i]
	isAdmin := actor.Active && actor.Role == auth.RoleAdministrator
	if !isAdmin && (!actor.Active || g.GrantedByAccountID != actor.ID) {
		return actor, g, fmt.Errorf("%w: only the granting account or an administrator may revoke", auth.ErrForbidden)
	}
	if !g.IsActive {
		return actor, g, fmt.Errorf("%w: grant is already revoked", auth.ErrConflict)
	}
	now := s.clock.Now()
	g.IsActive = false
	g.RevokedAt = &now
	g.RevokedBy = actor.ID
	gs[i] = g
	if err := s.save(ctx, gs, version); err != nil {
		return actor, Grant{}, err
	}
	return actor, g, nil
}

// ListForPatient returns every grant on patientID, including revoked and
// expired history, newest first.
func (s *Service) ListForPatient(ctx context.Context, patientID string) ([]GrantView, error) {
	gs, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	names := map[string]string{}
	name := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		n := ""
		if a, err := s.actors.ResolveActor(ctx, id); err == nil {
			n = a.Name
		}
		names[id] = n
		return n
	}
	out := []GrantView{}
	for _, g := range gs {
		if g.PatientID != patientID {
			continue
		}
		out = append(out, GrantView{
			Grant:         g,
			GranteeName:   name(g.GranteeAccountID),
			GrantedByName: name(g.GrantedByAccountID),
			Effective:     g.EffectiveAt(now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out, nil
}

// ListForGrantee returns the grants currently effective for granteeID.
func (s *Service) ListForGrantee(ctx context.Context, granteeID string) ([]EffectiveGrant, error) {
	gs, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := []EffectiveGrant{}
	for _, g := range gs {
		if g.GranteeAccountID != granteeID || !g.EffectiveAt(now) {
			continue
		}
		eg := EffectiveGrant{Grant: g}
		if ref, err := s.owners.Patient(ctx, g.PatientID); err == nil {
			eg.PatientName = ref.DisplayName
		}
		out = append(out, eg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GrantedAt.After(out[j].GrantedAt) })
	return out, nil
}

// ActiveGrant returns the effective grant of granteeID on patientID, if any.
func (s *Service) ActiveGrant(ctx context.Context, granteeID, patientID string) (auth.DelegatedAccess, bool, error) {
	gs, _, err := s.load(ctx)
	if err != nil {
		return auth.DelegatedAccess{}, false, err
	}
	now := s.clock.Now()
	for _, g := range gs {
		if g.GranteeAccountID == granteeID && g.PatientID == patientID && g.EffectiveAt(now) {
			return g.delegated(), true, nil
		}
	}
	return auth.DelegatedAccess{}, false, nil
}

// EffectiveAccess resolves the level at which accountID reaches patientID.
// Administrators and the owning doctor have full access; support staff have
// the level of their effective grant, or none.
func (s *Service) EffectiveAccess(ctx context.Context, accountID, patientID string) (auth.AccessLevel, error) {
	actor, err := s.actors.ResolveActor(ctx, accountID)
	if err != nil {
		return auth.AccessNone, err
	}
	if !actor.Active {
		return auth.AccessNone, nil
	}
	switch actor.Role {
	case auth.RoleAdministrator:
		return auth.AccessFull, nil
	case auth.RoleDoctor:
		ref, err := s.owners.Patient(ctx, patientID)
		if err != nil {
			return auth.AccessNone, err
		}
		if ref.OwnerID == actor.ID {
			return auth.AccessFull, nil
		}
		return auth.AccessNone, nil
	}
	grant, ok, err := s.ActiveGrant(ctx, accountID, patientID)
	if err != nil || !ok {
		return auth.AccessNone, err
	}
	return grant.AccessLevel, nil
}
