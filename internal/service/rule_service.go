package service

import (
	"context"

	"go.uber.org/zap"

	"shift-scheduler/backend/config"
	"shift-scheduler/backend/internal/dto"
	"shift-scheduler/backend/internal/loader"
	"shift-scheduler/backend/internal/repository"
	"shift-scheduler/backend/internal/rules"
)

// RuleService 规则引擎业务接口（不经过预测，直接应用或校验日历规则）
type RuleService interface {
	Apply(ctx context.Context, req *dto.RuleRequest) (*dto.ApplyRulesResponse, error)
	Validate(ctx context.Context, req *dto.RuleRequest) (*rules.ValidationResult, error)
}

type ruleService struct {
	sessions *sessionLoader
	logger   *zap.Logger
}

// NewRuleService 创建 RuleService 实例
func NewRuleService(cfg *config.Config, repo *repository.Repository, cache loader.Cache, logger *zap.Logger) RuleService {
	return &ruleService{sessions: newSessionLoader(cfg, repo, cache, logger), logger: logger}
}

func (s *ruleService) loadSession(ctx context.Context, req *dto.RuleRequest) (*session, error) {
	rng, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	if err := validateSchedule(req.Schedule); err != nil {
		return nil, err
	}
	sess, err := s.sessions.load(ctx, req.SiteID, rng, req.Schedule, false)
	if err != nil {
		return nil, err
	}
	if len(sess.staff) == 0 {
		return nil, ErrNoActiveStaff
	}
	return sess, nil
}

// ────────────────────── Apply ──────────────────────

func (s *ruleService) Apply(ctx context.Context, req *dto.RuleRequest) (*dto.ApplyRulesResponse, error) {
	sess, err := s.loadSession(ctx, req)
	if err != nil {
		return nil, err
	}

	res := rules.ApplyCombinedRules(sess.schedule, sess.calendar, sess.prefs, sess.staff)
	validation := rules.ValidateCombinedRules(res.Schedule, sess.calendar, sess.prefs, sess.staff)

	s.logger.Debug("应用日历规则",
		zap.String("site_id", req.SiteID),
		zap.Int("changes", res.ChangesApplied),
		zap.Int("violations", len(validation.Violations)),
	)
	return &dto.ApplyRulesResponse{ApplyResult: *res, Validation: *validation}, nil
}

// ────────────────────── Validate ──────────────────────

func (s *ruleService) Validate(ctx context.Context, req *dto.RuleRequest) (*rules.ValidationResult, error) {
	sess, err := s.loadSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return rules.ValidateCombinedRules(sess.schedule, sess.calendar, sess.prefs, sess.staff), nil
}
