package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/tunnelgate/internal/audit/domain"
	"github.com/smallbiznis/tunnelgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

// GlobalDomain grants a role across every tenant.
const GlobalDomain = "*"

const (
	RoleAdmin       = "admin"
	RoleTenantAdmin = "tenant_admin"
	RoleViewer      = "viewer"
	RoleCollector   = "collector"
	RoleSystem      = "system"
)

const (
	ObjectTraffic      = "traffic"
	ObjectRollup       = "rollup"
	ObjectPartition    = "partition"
	ObjectSubscription = "subscription"
	ObjectPlan         = "plan"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionTrafficIngest  = "traffic.ingest"
	ActionTrafficSummary = "traffic.summary"

	ActionRollupRun  = "rollup.run"
	ActionRollupView = "rollup.view"

	ActionPartitionEnsure = "partition.ensure"
	ActionPartitionView   = "partition.view"

	ActionSubscriptionView   = "subscription.view"
	ActionSubscriptionManage = "subscription.manage"

	ActionPlanView   = "plan.view"
	ActionPlanManage = "plan.manage"

	ActionAuditLogView = "audit_log.view"
)

var knownRoles = map[string]struct{}{
	RoleAdmin:       {},
	RoleTenantAdmin: {},
	RoleViewer:      {},
	RoleCollector:   {},
	RoleSystem:      {},
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

// Authorize checks actor ("system" or "user:<uuid>") against object/action
// inside the tenant domain. An empty tenantID checks the global domain only.
func (s *ServiceImpl) Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	domain, tenantUUID, err := resolveDomain(tenantID)
	if err != nil {
		return err
	}

	subject, actorType, actorID, err := resolveActor(actor)
	if err != nil {
		return err
	}
	if actorType == auditdomain.ActorTypeSystem {
		if err := s.ensureGrouping(subject, roleName(RoleSystem), GlobalDomain); err != nil {
			return err
		}
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorID, tenantUUID, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, ErrInvalidActor
	}
	return s.enforcer.HasGroupingPolicy(userSubject(userID), roleName(RoleAdmin), GlobalDomain)
}

// TenantRoles lists the user's roles. Global roles are returned bare
// ("admin"); tenant roles carry their tenant ("tenant_admin@<tenant id>").
func (s *ServiceImpl) TenantRoles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidActor
	}
	rules, err := s.enforcer.GetFilteredGroupingPolicy(0, userSubject(userID))
	if err != nil {
		return nil, err
	}

	roles := make([]string, 0, len(rules))
	for _, rule := range rules {
		if len(rule) < 3 {
			continue
		}
		role := strings.TrimPrefix(rule[1], "role:")
		if rule[2] == GlobalDomain {
			roles = append(roles, role)
			continue
		}
		roles = append(roles, fmt.Sprintf("%s@%s", role, strings.TrimPrefix(rule[2], "tenant:")))
	}
	sort.Strings(roles)
	return roles, nil
}

func (s *ServiceImpl) GrantRole(ctx context.Context, userID uuid.UUID, tenantID string, role string) error {
	subject, domain, role, err := s.grantTarget(userID, tenantID, role)
	if err != nil {
		return err
	}
	if _, err := s.enforcer.AddGroupingPolicy(subject, roleName(role), domain); err != nil {
		return err
	}
	s.log.Info("role granted",
		zap.String("subject", subject),
		zap.String("role", role),
		zap.String("domain", domain),
	)
	return nil
}

func (s *ServiceImpl) RevokeRole(ctx context.Context, userID uuid.UUID, tenantID string, role string) error {
	subject, domain, role, err := s.grantTarget(userID, tenantID, role)
	if err != nil {
		return err
	}
	_, err = s.enforcer.RemoveGroupingPolicy(subject, roleName(role), domain)
	return err
}

func (s *ServiceImpl) grantTarget(userID uuid.UUID, tenantID string, role string) (string, string, string, error) {
	if userID == uuid.Nil {
		return "", "", "", ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if _, ok := knownRoles[role]; !ok {
		return "", "", "", ErrInvalidRole
	}
	domain, _, err := resolveDomain(tenantID)
	if err != nil {
		return "", "", "", err
	}
	if role == RoleAdmin && domain != GlobalDomain {
		return "", "", "", ErrInvalidRole
	}
	return userSubject(userID), domain, role, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, role string, domain string) error {
	has, err := s.enforcer.HasGroupingPolicy(subject, role, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType auditdomain.ActorType, actorID *uuid.UUID, tenantID *uuid.UUID, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	err := s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		TenantID:    tenantID,
		ActorType:   string(actorType),
		ActorUserID: actorID,
		Action:      "authorization.denied",
		TargetType:  "authorization",
		TargetID:    &targetID,
		Metadata: map[string]any{
			"object": object,
			"action": action,
		},
	})
	if err != nil {
		s.log.Warn("failed to audit denied authorization", zap.Error(err))
	}
}

func resolveActor(actor string) (string, auditdomain.ActorType, *uuid.UUID, error) {
	if actor == "system" {
		return actor, auditdomain.ActorTypeSystem, nil, nil
	}
	if strings.HasPrefix(actor, "user:") {
		userID, err := uuid.Parse(strings.TrimPrefix(actor, "user:"))
		if err != nil || userID == uuid.Nil {
			return "", "", nil, ErrInvalidActor
		}
		return userSubject(userID), auditdomain.ActorTypeUser, &userID, nil
	}
	return "", "", nil, ErrInvalidActor
}

func resolveDomain(tenantID string) (string, *uuid.UUID, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return GlobalDomain, nil, nil
	}
	parsed, err := uuid.Parse(tenantID)
	if err != nil || parsed == uuid.Nil {
		return "", nil, ErrInvalidTenant
	}
	return tenantDomain(parsed), &parsed, nil
}

func userSubject(userID uuid.UUID) string {
	return "user:" + userID.String()
}

func tenantDomain(tenantID uuid.UUID) string {
	return "tenant:" + tenantID.String()
}

func roleName(role string) string {
	return "role:" + role
}

func bootstrapAdmin(cfg config.Config, svc Service, log *zap.Logger) error {
	raw := strings.TrimSpace(cfg.BootstrapAdminUserID)
	if raw == "" {
		return nil
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("bootstrap admin user id: %w", ErrInvalidActor)
	}
	if err := svc.GrantRole(context.Background(), userID, "", RoleAdmin); err != nil {
		return err
	}
	log.Named("authorization").Info("bootstrap admin ensured", zap.String("user_id", userID.String()))
	return nil
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Operators
		{"role:admin", ObjectTraffic, ActionTrafficIngest},
		{"role:admin", ObjectTraffic, ActionTrafficSummary},
		{"role:admin", ObjectRollup, ActionRollupRun},
		{"role:admin", ObjectRollup, ActionRollupView},
		{"role:admin", ObjectPartition, ActionPartitionEnsure},
		{"role:admin", ObjectPartition, ActionPartitionView},
		{"role:admin", ObjectSubscription, ActionSubscriptionView},
		{"role:admin", ObjectSubscription, ActionSubscriptionManage},
		{"role:admin", ObjectPlan, ActionPlanView},
		{"role:admin", ObjectPlan, ActionPlanManage},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		{"role:tenant_admin", ObjectTraffic, ActionTrafficIngest},
		{"role:tenant_admin", ObjectTraffic, ActionTrafficSummary},
		{"role:tenant_admin", ObjectSubscription, ActionSubscriptionView},
		{"role:tenant_admin", ObjectSubscription, ActionSubscriptionManage},
		{"role:tenant_admin", ObjectPlan, ActionPlanView},
		{"role:tenant_admin", ObjectPlan, ActionPlanManage},
		{"role:tenant_admin", ObjectAuditLog, ActionAuditLogView},

		{"role:viewer", ObjectTraffic, ActionTrafficSummary},
		{"role:viewer", ObjectSubscription, ActionSubscriptionView},
		{"role:viewer", ObjectPlan, ActionPlanView},

		{"role:collector", ObjectTraffic, ActionTrafficIngest},

		// Scheduler and other in-process callers
		{"role:system", ObjectTraffic, ActionTrafficIngest},
		{"role:system", ObjectRollup, ActionRollupRun},
		{"role:system", ObjectPartition, ActionPartitionEnsure},
		{"role:system", ObjectSubscription, ActionSubscriptionManage},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
