package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/guildgate/guildgate/internal/gateway"
	"github.com/guildgate/guildgate/internal/mapping"
	"github.com/guildgate/guildgate/internal/personnel"
	"github.com/guildgate/guildgate/internal/shared"
)

var callsignPattern = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

// RepositoryPort defines pending-grant persistence.
type RepositoryPort interface {
	Get(ctx context.Context, memberID string) (PendingGrant, error)
	UpsertMerge(ctx context.Context, grant PendingGrant) (PendingGrant, bool, error)
	Delete(ctx context.Context, memberID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	List(ctx context.Context) ([]PendingGrant, error)
}

// Auditor records dispatched invitations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config bounds the invites the service creates.
type Config struct {
	InviteTTL     time.Duration
	InviteMaxUses int
}

// Service runs the onboarding state machine per member:
// none -> awaiting_identity -> invited, or none -> invited when no target
// in the batch requires identity collection.
type Service struct {
	repo      RepositoryPort
	adapter   gateway.Adapter
	directory personnel.Directory
	store     *mapping.Store
	audit     Auditor
	logger    *slog.Logger
	validate  *validator.Validate
	cfg       Config
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, adapter gateway.Adapter, directory personnel.Directory, store *mapping.Store, audit Auditor, logger *slog.Logger, cfg Config) *Service {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 24 * time.Hour
	}
	if cfg.InviteMaxUses <= 0 {
		cfg.InviteMaxUses = 1
	}
	v := validator.New()
	_ = v.RegisterValidation("callsign", func(fl validator.FieldLevel) bool {
		return callsignPattern.MatchString(fl.Field().String())
	})
	return &Service{
		repo:      repo,
		adapter:   adapter,
		directory: directory,
		store:     store,
		audit:     audit,
		logger:    logger,
		validate:  v,
		cfg:       cfg,
	}
}

// HandleGatingGrant reacts to a member newly qualifying for the given
// targets. Called by the sync engine when the member is absent from a
// target they gained access to.
func (s *Service) HandleGatingGrant(ctx context.Context, sourceServerID, memberID string, grantedRoleIDs []string, targets []mapping.TargetConfig) error {
	if len(targets) == 0 {
		return nil
	}
	accesses := make([]TargetAccess, 0, len(targets))
	for _, t := range targets {
		accesses = append(accesses, TargetAccess{
			ServerID:         t.ServerID,
			ServerName:       t.Name,
			RequiresIdentity: t.RequiresIdentity,
		})
	}
	grant := PendingGrant{
		MemberID:       memberID,
		SourceServerID: sourceServerID,
		GrantedRoleIDs: append([]string(nil), grantedRoleIDs...),
		Targets:        accesses,
	}

	existing, err := s.repo.Get(ctx, memberID)
	switch {
	case err == nil:
		// A flow is already parked awaiting identity; merge instead of
		// starting a duplicate.
		if _, _, err := s.repo.UpsertMerge(ctx, grant); err != nil {
			return err
		}
		_, novel := mergeTargets(existing.Targets, accesses)
		if len(novel) == 0 {
			return nil
		}
		return s.send(ctx, memberID, followUpMessage(novel))
	case !errors.Is(err, shared.ErrNotFound):
		return err
	}

	if !grant.RequiresIdentity() {
		return s.dispatch(ctx, grant, false)
	}

	persisted, _, err := s.repo.UpsertMerge(ctx, grant)
	if err != nil {
		return err
	}
	s.logger.Info("onboarding parked awaiting identity",
		slog.String("member_id", memberID),
		slog.String("state", string(StateAwaitingIdentity)),
		slog.Int("targets", len(persisted.Targets)),
	)
	return s.send(ctx, memberID, promptMessage(persisted.Targets))
}

// SubmitIdentity handles an identity value from a member whose flow is
// awaiting one. Invalid or taken values re-prompt without a state change.
func (s *Service) SubmitIdentity(ctx context.Context, memberID, value string) error {
	grant, err := s.repo.Get(ctx, memberID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	value = strings.TrimSpace(value)
	if err := s.validate.Var(value, "required,min=2,max=32,callsign"); err != nil {
		return s.send(ctx, memberID, msgInvalidCallsign)
	}

	taken, err := s.directory.IsIdentityTaken(ctx, value, memberID)
	if err != nil {
		return err
	}
	if taken {
		return s.send(ctx, memberID, msgCallsignTaken)
	}
	if err := s.directory.PersistIdentity(ctx, memberID, value); err != nil {
		if errors.Is(err, shared.ErrConflict) {
			return s.send(ctx, memberID, msgCallsignTaken)
		}
		return err
	}

	grant.IdentityValue = value
	return s.dispatch(ctx, grant, true)
}

// OnDirectMessageReply implements gateway.MessageObserver.
func (s *Service) OnDirectMessageReply(ctx context.Context, memberID, content string) {
	if err := s.SubmitIdentity(ctx, memberID, content); err != nil {
		s.logger.Error("identity submission failed",
			slog.String("member_id", memberID),
			slog.Any("error", err),
		)
	}
}

// Pending lists flows currently awaiting identity, for operators.
func (s *Service) Pending(ctx context.Context) ([]PendingGrant, error) {
	return s.repo.List(ctx)
}

// CleanupStale deletes flows older than maxAge.
func (s *Service) CleanupStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.repo.DeleteOlderThan(ctx, time.Now().UTC().Add(-maxAge))
}

// dispatch creates one single-use invite per pending target and delivers
// them in a single message. Targets the member already joined are skipped.
// The flow is terminal only when every target was invited or skipped; a
// transient failure keeps the pending record so a later reply retries.
func (s *Service) dispatch(ctx context.Context, grant PendingGrant, persisted bool) error {
	var lines []string
	failed := 0
	for _, access := range grant.Targets {
		_, err := s.adapter.FetchMember(ctx, access.ServerID, grant.MemberID)
		if err == nil {
			// Already a member; re-entry is idempotent.
			continue
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			failed++
			s.logger.Warn("target membership check failed",
				slog.String("member_id", grant.MemberID),
				slog.String("server_id", access.ServerID),
				slog.Any("error", err),
			)
			continue
		}

		cfg, ok := s.store.Target(access.ServerID)
		if !ok {
			continue
		}
		url, err := s.adapter.CreateInvite(ctx, access.ServerID, cfg.InviteChannelID, s.cfg.InviteMaxUses, s.cfg.InviteTTL)
		if err != nil {
			failed++
			s.logger.Warn("invite creation failed",
				slog.String("member_id", grant.MemberID),
				slog.String("server_id", access.ServerID),
				slog.Any("error", err),
			)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", access.ServerName, url))
		if err := s.audit.Record(ctx, shared.AuditLog{
			Action:   "invite_dispatched",
			MemberID: grant.MemberID,
			ServerID: access.ServerID,
		}); err != nil {
			s.logger.Warn("audit write failed", slog.Any("error", err))
		}
	}

	if len(lines) > 0 {
		if err := s.send(ctx, grant.MemberID, inviteMessage(lines, s.cfg.InviteTTL)); err != nil {
			return err
		}
	}
	if failed > 0 {
		s.logger.Warn("invite dispatch incomplete, flow stays pending",
			slog.String("member_id", grant.MemberID),
			slog.Int("failed_targets", failed),
			slog.Int("invites", len(lines)),
		)
		return nil
	}
	if persisted {
		if err := s.repo.Delete(ctx, grant.MemberID); err != nil {
			return err
		}
	}
	s.logger.Info("onboarding complete",
		slog.String("member_id", grant.MemberID),
		slog.String("state", string(StateInvited)),
		slog.Int("invites", len(lines)),
	)
	return nil
}

// send delivers a DM. A blocked DM channel abandons the whole flow: the
// blocking condition will not resolve itself, so the pending record is
// cleared and the case is left to operators.
func (s *Service) send(ctx context.Context, memberID, content string) error {
	err := s.adapter.SendDirectMessage(ctx, memberID, content)
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrBlocked) {
		if delErr := s.repo.Delete(ctx, memberID); delErr != nil {
			s.logger.Error("abandoned flow cleanup failed", slog.Any("error", delErr))
		}
		s.logger.Error("onboarding abandoned, member blocks direct messages",
			slog.String("member_id", memberID),
		)
		return nil
	}
	return err
}

const (
	msgInvalidCallsign = "That callsign is not usable. Pick 2-32 characters: letters, digits, spaces, '-' or '_'. Reply with a new one."
	msgCallsignTaken   = "That callsign is already in use by someone else. Reply with a different one."
)

func promptMessage(targets []TargetAccess) string {
	return fmt.Sprintf(
		"You have been cleared for access to: %s. Before invites go out we need a callsign for the roster. Reply to this message with one (2-32 characters: letters, digits, spaces, '-' or '_').",
		targetNames(targets),
	)
}

func followUpMessage(novel []TargetAccess) string {
	return fmt.Sprintf("Your pending clearance now also covers: %s. One set of invites will follow once your callsign is in.", targetNames(novel))
}

func inviteMessage(lines []string, ttl time.Duration) string {
	return fmt.Sprintf(
		"Your invites are ready. Each link works once and expires in %s:\n%s",
		ttl.Round(time.Hour), strings.Join(lines, "\n"),
	)
}

func targetNames(targets []TargetAccess) string {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.ServerName)
	}
	return strings.Join(names, ", ")
}
