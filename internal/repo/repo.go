package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jobline/internal/config"
	"jobline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is the domain not-found kind so engine callers can match it
// without importing repo.
var ErrNotFound = domain.ErrNotFound

// TSLayout is fixed width so stored timestamps sort lexically.
const TSLayout = "2006-01-02T15:04:05.000000Z"

func FormatTS(t time.Time) string {
	return t.UTC().Format(TSLayout)
}

func ParseTS(s string) (time.Time, error) {
	t, err := time.Parse(TSLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on picks the transaction when one is given. With a single pooled
// connection, reads issued while a tx is open must go through that tx.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r Repo) InsertShop(ctx context.Context, tx *sql.Tx, s domain.Shop) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO shops(id,name,status,created_at) VALUES (?,?,?,?)`,
		s.ID, s.Name, s.Status, s.CreatedAt)
	return err
}

func (r Repo) GetShop(ctx context.Context, id string) (domain.Shop, error) {
	var s domain.Shop
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM shops WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.Status, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("%w: shop %s", ErrNotFound, id)
	}
	return s, err
}

func (r Repo) ListShops(ctx context.Context) ([]domain.Shop, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM shops ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Shop
	for rows.Next() {
		var s domain.Shop
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SingleShop returns the only shop in the workspace.
func (r Repo) SingleShop(ctx context.Context) (domain.Shop, error) {
	shops, err := r.ListShops(ctx)
	if err != nil {
		return domain.Shop{}, err
	}
	if len(shops) == 0 {
		return domain.Shop{}, ErrNotFound
	}
	if len(shops) > 1 {
		return domain.Shop{}, fmt.Errorf("multiple shops exist; specify --shop")
	}
	return shops[0], nil
}

func (r Repo) UpsertShopConfig(ctx context.Context, tx *sql.Tx, shopID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Shop.ID = shopID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO shop_configs(shop_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(shop_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, shopID, string(payload), now, now)
	return err
}

func (r Repo) GetShopConfig(ctx context.Context, shopID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM shop_configs WHERE shop_id=?`, shopID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: config for shop %s", ErrNotFound, shopID)
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Shop.ID == "" {
		cfg.Shop.ID = shopID
	}
	return &cfg, cfg.Validate()
}

// NextCounter increments and returns a named per-shop counter in one
// statement.
func (r Repo) NextCounter(ctx context.Context, tx *sql.Tx, shopID, name string) (int64, error) {
	var v int64
	err := r.on(tx).QueryRowContext(ctx, `INSERT INTO shop_counters(shop_id,name,value) VALUES (?,?,1)
ON CONFLICT(shop_id,name) DO UPDATE SET value=value+1
RETURNING value`, shopID, name).Scan(&v)
	return v, err
}

type EventFilters struct {
	ShopID     string
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// LatestEvents returns events newest first, before Cursor when set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ShopID != "" {
		clauses = append(clauses, "shop_id=?")
		args = append(args, f.ShopID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(shop_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, shopID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if shopID != "" {
		clauses = append(clauses, "shop_id=?")
		args = append(args, shopID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(shop_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ShopID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a shop.
func (r Repo) LatestEventID(ctx context.Context, shopID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE shop_id=?`, shopID).Scan(&id)
	return id, err
}
