package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jobline/internal/domain"
)

// Permissions checked by the engine.
const (
	PermJobCreate        = "job.create"
	PermJobVerify        = "job.verify"
	PermJobAssign        = "job.assign"
	PermTimerOperate     = "timer.operate"
	PermConsumableUpdate = "consumable.update"
	PermJobSupervise     = "job.supervise"
	PermJobQA            = "job.qa"
	PermJobRead          = "job.read"
	PermShopAdmin        = "shop.admin"
)

// ForbiddenError indicates a missing permission. It matches
// domain.ErrUnauthorized under errors.Is.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

func (e ForbiddenError) Is(target error) bool {
	return target == domain.ErrUnauthorized
}

// Service provides RBAC helpers backed by SQL.
type Service struct{}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, shopID, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.shop_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		shopID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless the actor holds perm in the shop.
func (s Service) Require(ctx context.Context, tx *sql.Tx, shopID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tx, shopID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, shopID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE shop_id=? AND actor_id=? ORDER BY role_id`, shopID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, shopID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.shop_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, shopID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
