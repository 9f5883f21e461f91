package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"jobline/internal/domain"
)

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) UpsertEmployee(ctx context.Context, e domain.Employee) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO employees(id,shop_id,name,specialization) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, specialization=excluded.specialization`,
		e.ID, e.ShopID, e.Name, nullable(e.Specialization))
	return err
}

func (r Repo) GetEmployee(ctx context.Context, id string) (domain.Employee, error) {
	var e domain.Employee
	err := r.DB.QueryRowContext(ctx, `SELECT id,shop_id,name,COALESCE(specialization,'') FROM employees WHERE id=?`, id).
		Scan(&e.ID, &e.ShopID, &e.Name, &e.Specialization)
	if err == sql.ErrNoRows {
		return e, fmt.Errorf("%w: employee %s", ErrNotFound, id)
	}
	return e, err
}

func (r Repo) ListEmployees(ctx context.Context, shopID string) ([]domain.Employee, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,shop_id,name,COALESCE(specialization,'') FROM employees WHERE shop_id=? ORDER BY name, id`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		var e domain.Employee
		if err := rows.Scan(&e.ID, &e.ShopID, &e.Name, &e.Specialization); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpsertMachine(ctx context.Context, m domain.Machine) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO machines(id,shop_id,name,type,is_available) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, is_available=excluded.is_available`,
		m.ID, m.ShopID, m.Name, m.Type, boolInt(m.IsAvailable))
	return err
}

func (r Repo) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	var m domain.Machine
	var avail int
	err := r.DB.QueryRowContext(ctx, `SELECT id,shop_id,name,type,is_available FROM machines WHERE id=?`, id).
		Scan(&m.ID, &m.ShopID, &m.Name, &m.Type, &avail)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("%w: machine %s", ErrNotFound, id)
	}
	m.IsAvailable = avail != 0
	return m, err
}

func (r Repo) ListMachines(ctx context.Context, shopID string) ([]domain.Machine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,shop_id,name,type,is_available FROM machines WHERE shop_id=? ORDER BY name, id`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		var m domain.Machine
		var avail int
		if err := rows.Scan(&m.ID, &m.ShopID, &m.Name, &m.Type, &avail); err != nil {
			return nil, err
		}
		m.IsAvailable = avail != 0
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpsertConsumable(ctx context.Context, c domain.ConsumableEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO consumables(id,shop_id,name,unit_price,available) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, unit_price=excluded.unit_price, available=excluded.available`,
		c.ID, c.ShopID, c.Name, c.UnitPrice.String(), boolInt(c.Available))
	return err
}

func scanConsumable(row rowScanner) (domain.ConsumableEntry, error) {
	var c domain.ConsumableEntry
	var price string
	var avail int
	if err := row.Scan(&c.ID, &c.ShopID, &c.Name, &price, &avail); err != nil {
		return c, err
	}
	c.Available = avail != 0
	var err error
	c.UnitPrice, err = decimal.NewFromString(price)
	return c, err
}

func (r Repo) GetConsumable(ctx context.Context, id string) (domain.ConsumableEntry, error) {
	c, err := scanConsumable(r.DB.QueryRowContext(ctx, `SELECT id,shop_id,name,unit_price,available FROM consumables WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("%w: consumable %s", ErrNotFound, id)
	}
	return c, err
}

func (r Repo) ListConsumables(ctx context.Context, shopID string) ([]domain.ConsumableEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,shop_id,name,unit_price,available FROM consumables WHERE shop_id=? ORDER BY name, id`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConsumableEntry
	for rows.Next() {
		c, err := scanConsumable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
