package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"jobline/internal/domain"
)

const jobColumns = `id,shop_id,job_card_number,status,customer_json,items_json,COALESCE(notes,''),estimated_total,actual_total,created_by,created_at,updated_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                       domain.Job
		status                  string
		customerJSON, itemsJSON string
		estimated, actual       string
		createdAt, updatedAt    string
	)
	err := row.Scan(&j.ID, &j.ShopID, &j.JobCardNumber, &status, &customerJSON, &itemsJSON, &j.Notes,
		&estimated, &actual, &j.CreatedBy, &createdAt, &updatedAt, &j.Version)
	if err != nil {
		return j, err
	}
	j.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(customerJSON), &j.Customer); err != nil {
		return j, fmt.Errorf("decode customer of job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &j.Items); err != nil {
		return j, fmt.Errorf("decode items of job %s: %w", j.ID, err)
	}
	if j.EstimatedTotal, err = decimal.NewFromString(estimated); err != nil {
		return j, err
	}
	if j.ActualTotal, err = decimal.NewFromString(actual); err != nil {
		return j, err
	}
	if j.CreatedAt, err = ParseTS(createdAt); err != nil {
		return j, err
	}
	if j.UpdatedAt, err = ParseTS(updatedAt); err != nil {
		return j, err
	}
	return j, nil
}

func encodeJob(j domain.Job) (customer, items string, err error) {
	if j.Items == nil {
		j.Items = []domain.JobItem{}
	}
	c, err := json.Marshal(j.Customer)
	if err != nil {
		return "", "", err
	}
	it, err := json.Marshal(j.Items)
	if err != nil {
		return "", "", err
	}
	return string(c), string(it), nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	customer, items, err := encodeJob(j)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO jobs(id,shop_id,job_card_number,status,customer_json,items_json,notes,estimated_total,actual_total,created_by,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ShopID, j.JobCardNumber, string(j.Status), customer, items, nullable(j.Notes),
		j.EstimatedTotal.String(), j.ActualTotal.String(), j.CreatedBy, FormatTS(j.CreatedAt), FormatTS(j.UpdatedAt), j.Version)
	return err
}

// UpdateJob writes the whole job document if the stored version still
// equals expectedVersion, and bumps the version on j.
func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j *domain.Job, expectedVersion int64) error {
	customer, items, err := encodeJob(*j)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE jobs SET status=?,customer_json=?,items_json=?,notes=?,estimated_total=?,actual_total=?,updated_at=?,version=version+1
WHERE id=? AND version=?`,
		string(j.Status), customer, items, nullable(j.Notes), j.EstimatedTotal.String(), j.ActualTotal.String(), FormatTS(j.UpdatedAt),
		j.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := r.GetJobTx(ctx, tx, j.ID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: job %s changed since version %d", domain.ErrConflict, j.ID, expectedVersion)
	}
	j.Version = expectedVersion + 1
	return nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return r.GetJobTx(ctx, nil, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	j, err := scanJob(r.on(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return j, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j, err
}

type JobFilters struct {
	ShopID          string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.ShopID != "" {
		clauses = append(clauses, "shop_id=?")
		args = append(args, f.ShopID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) CountJobsByStatus(ctx context.Context, shopID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM jobs WHERE shop_id=? GROUP BY status`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) InsertRejection(ctx context.Context, tx *sql.Tx, a domain.RejectionAudit) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO job_rejections(id,job_id,shop_id,item_id,reason,rejected_by,ts,job_snapshot) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.JobID, a.ShopID, nullable(a.ItemID), a.Reason, a.RejectedBy, FormatTS(a.TS), a.JobSnapshot)
	return err
}

// ListRejections returns the audit entries of a job, oldest first.
func (r Repo) ListRejections(ctx context.Context, jobID string) ([]domain.RejectionAudit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,shop_id,COALESCE(item_id,''),reason,rejected_by,ts,job_snapshot FROM job_rejections WHERE job_id=? ORDER BY ts ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RejectionAudit
	for rows.Next() {
		var a domain.RejectionAudit
		var ts string
		if err := rows.Scan(&a.ID, &a.JobID, &a.ShopID, &a.ItemID, &a.Reason, &a.RejectedBy, &ts, &a.JobSnapshot); err != nil {
			return nil, err
		}
		if a.TS, err = ParseTS(ts); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
