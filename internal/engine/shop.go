package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/events"
	"jobline/internal/repo"
)

// InitShop creates a shop with the default config and makes actorID its
// owner. A nil cfg selects config.Default.
func (e Engine) InitShop(ctx context.Context, shopID, name string, cfg *config.Config, actorID string) (domain.Shop, error) {
	if shopID == "" {
		return domain.Shop{}, invalid("shop id required")
	}
	if actorID == "" {
		return domain.Shop{}, invalid("actor id required")
	}
	if cfg == nil {
		cfg = config.Default(shopID)
	}
	if name == "" {
		name = cfg.Shop.Name
	}
	if name == "" {
		name = shopID
	}
	cfg.Shop.Name = name
	now := e.now().Format(time.RFC3339)
	s := domain.Shop{ID: shopID, Name: name, Status: "active", CreatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertShop(ctx, tx, s); err != nil {
		return s, fmt.Errorf("insert shop: %w", err)
	}
	if err := e.Repo.UpsertShopConfig(ctx, tx, shopID, cfg); err != nil {
		return s, fmt.Errorf("insert shop config: %w", err)
	}
	if err := e.Repo.SyncRBAC(ctx, tx, cfg); err != nil {
		return s, fmt.Errorf("sync rbac: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return s, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, shopID, actorID, "owner"); err != nil {
		return s, fmt.Errorf("assign owner: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "shop.init", shopID, "shop", shopID, actorID, events.EventPayload{"name": name}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.logger().Info("shop initialized", zap.String("shop_id", shopID), zap.String("owner", actorID))
	return s, nil
}

// UpdateShopConfig replaces a shop's config. Rate edits apply to
// assignments made afterwards; existing snapshots are untouched.
func (e Engine) UpdateShopConfig(ctx context.Context, shopID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return invalid("config required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, shopID, actorID, auth.PermShopAdmin); err != nil {
		return err
	}
	if err := e.Repo.UpsertShopConfig(ctx, tx, shopID, cfg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if err := e.Repo.SyncRBAC(ctx, tx, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ShopConfigUpdated, shopID, "shop", shopID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GrantRole gives target a role in the shop. The role must be defined in
// the shop config.
func (e Engine) GrantRole(ctx context.Context, shopID, actorID, target, role string) error {
	return e.changeRole(ctx, shopID, actorID, target, role, true)
}

func (e Engine) RevokeRole(ctx context.Context, shopID, actorID, target, role string) error {
	return e.changeRole(ctx, shopID, actorID, target, role, false)
}

func (e Engine) changeRole(ctx context.Context, shopID, actorID, target, role string, grant bool) error {
	if target == "" || role == "" {
		return invalid("target actor and role required")
	}
	cfg, err := e.Repo.GetShopConfig(ctx, shopID)
	if err != nil {
		return err
	}
	if _, ok := cfg.RBAC.Roles[role]; !ok {
		return invalid("unknown role %s", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, shopID, actorID, auth.PermShopAdmin); err != nil {
		return err
	}
	typ := events.RoleGranted
	if grant {
		if err := e.Auth.EnsureActor(ctx, tx, target); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, shopID, target, role); err != nil {
			return err
		}
	} else {
		typ = events.RoleRevoked
		if err := e.Repo.RevokeRole(ctx, tx, shopID, target, role); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, typ, shopID, "actor", target, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// WhoAmI lists the actor's roles and effective permissions in a shop.
func (e Engine) WhoAmI(ctx context.Context, shopID, actorID string) (domain.ActorProfile, error) {
	p := domain.ActorProfile{ShopID: shopID, ActorID: actorID}
	err := e.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		if p.Roles, err = e.Auth.ActorRoles(ctx, tx, shopID, actorID); err != nil {
			return err
		}
		p.Permissions, err = e.Auth.ActorPermissions(ctx, tx, shopID, actorID)
		return err
	})
	return p, err
}

// RegisterEmployee adds or updates a directory employee.
func (e Engine) RegisterEmployee(ctx context.Context, emp domain.Employee, actorID string) (domain.Employee, error) {
	if emp.ShopID == "" || strings.TrimSpace(emp.Name) == "" {
		return emp, invalid("shop id and name required")
	}
	if emp.ID == "" {
		emp.ID = uuid.NewString()
	}
	if err := e.requireShopPermission(ctx, emp.ShopID, actorID, auth.PermShopAdmin); err != nil {
		return emp, err
	}
	return emp, e.Repo.UpsertEmployee(ctx, emp)
}

// RegisterMachine adds or updates a directory machine. Type must name a
// machine category so its rate can be resolved.
func (e Engine) RegisterMachine(ctx context.Context, m domain.Machine, actorID string) (domain.Machine, error) {
	if m.ShopID == "" || strings.TrimSpace(m.Name) == "" || m.Type == "" {
		return m, invalid("shop id, name and type required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	cfg, err := e.Repo.GetShopConfig(ctx, m.ShopID)
	if err != nil {
		return m, err
	}
	if _, ok := cfg.MachineCategories[m.Type]; !ok {
		return m, invalid("unknown machine category %s", m.Type)
	}
	if err := e.requireShopPermission(ctx, m.ShopID, actorID, auth.PermShopAdmin); err != nil {
		return m, err
	}
	return m, e.Repo.UpsertMachine(ctx, m)
}

// RegisterConsumable adds or updates a catalog consumable.
func (e Engine) RegisterConsumable(ctx context.Context, c domain.ConsumableEntry, actorID string) (domain.ConsumableEntry, error) {
	if c.ShopID == "" || strings.TrimSpace(c.Name) == "" {
		return c, invalid("shop id and name required")
	}
	if c.UnitPrice.IsNegative() {
		return c, invalid("unit price must not be negative")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := e.requireShopPermission(ctx, c.ShopID, actorID, auth.PermShopAdmin); err != nil {
		return c, err
	}
	return c, e.Repo.UpsertConsumable(ctx, c)
}

// CreateAPIKey issues a terminal key for target. The raw key is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, shopID, actorID, target, name string) (domain.APIKey, string, error) {
	if target == "" {
		return domain.APIKey{}, "", invalid("target actor required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "jl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   target,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, shopID, actorID, auth.PermShopAdmin); err != nil {
		return key, "", err
	}
	if err := e.Auth.EnsureActor(ctx, tx, target); err != nil {
		return key, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", err
	}
	if err := tx.Commit(); err != nil {
		return key, "", err
	}
	return key, raw, nil
}
