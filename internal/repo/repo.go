package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"gigline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const gigColumns = `seq,id,title,description,payment_amount,client_address,worker_address,status,ledger_status,contract_id,contract_result,created_at,updated_at,completed_at`

type gigScanner interface {
	Scan(dest ...any) error
}

func scanGig(row gigScanner) (domain.Gig, error) {
	var g domain.Gig
	var worker, contractID, contractResult, completedAt sql.NullString
	err := row.Scan(&g.Seq, &g.ID, &g.Title, &g.Description, &g.PaymentAmount, &g.ClientAddress,
		&worker, &g.Status, &g.LedgerStatus, &contractID, &contractResult, &g.CreatedAt, &g.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if worker.Valid {
		g.WorkerAddress = &worker.String
	}
	if contractID.Valid {
		g.ContractID = &contractID.String
	}
	if contractResult.Valid {
		g.ContractResult = &contractResult.String
	}
	if completedAt.Valid {
		g.CompletedAt = &completedAt.String
	}
	return g, nil
}

// InsertGig persists a new gig and fills in its creation-order key.
func (r Repo) InsertGig(ctx context.Context, tx *sql.Tx, g *domain.Gig) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO gigs(id,title,description,payment_amount,client_address,worker_address,status,ledger_status,contract_id,contract_result,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.Title, g.Description, g.PaymentAmount, g.ClientAddress, nullableStringPtr(g.WorkerAddress),
		g.Status, g.LedgerStatus, nullableStringPtr(g.ContractID), nullableStringPtr(g.ContractResult),
		g.CreatedAt, g.UpdatedAt, nullableStringPtr(g.CompletedAt))
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	g.Seq = seq
	return nil
}

func (r Repo) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	return scanGig(r.DB.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id=?`, id))
}

func (r Repo) GetGigTx(ctx context.Context, tx *sql.Tx, id string) (domain.Gig, error) {
	return scanGig(tx.QueryRowContext(ctx, `SELECT `+gigColumns+` FROM gigs WHERE id=?`, id))
}

// UpdateGig persists mutated fields of an existing record.
func (r Repo) UpdateGig(ctx context.Context, tx *sql.Tx, g domain.Gig) error {
	res, err := tx.ExecContext(ctx, `UPDATE gigs SET title=?, description=?, payment_amount=?, client_address=?, worker_address=?, status=?, ledger_status=?, contract_id=?, contract_result=?, updated_at=?, completed_at=? WHERE id=?`,
		g.Title, g.Description, g.PaymentAmount, g.ClientAddress, nullableStringPtr(g.WorkerAddress),
		g.Status, g.LedgerStatus, nullableStringPtr(g.ContractID), nullableStringPtr(g.ContractResult),
		g.UpdatedAt, nullableStringPtr(g.CompletedAt), g.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateGigIfStatus persists the gig only when the stored record still has
// the expected status. A zero-row update means a concurrent transition won;
// callers distinguish missing records from lost races by re-reading.
func (r Repo) UpdateGigIfStatus(ctx context.Context, tx *sql.Tx, g domain.Gig, expected string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE gigs SET worker_address=?, status=?, ledger_status=?, contract_id=?, contract_result=?, updated_at=?, completed_at=? WHERE id=? AND status=?`,
		nullableStringPtr(g.WorkerAddress), g.Status, g.LedgerStatus, nullableStringPtr(g.ContractID),
		nullableStringPtr(g.ContractResult), g.UpdatedAt, nullableStringPtr(g.CompletedAt), g.ID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type GigFilters struct {
	Status    string
	Client    string
	Worker    string
	Limit     int
	CursorSeq int64
}

// ListGigs returns gigs in descending creation order.
func (r Repo) ListGigs(ctx context.Context, f GigFilters) ([]domain.Gig, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Client != "" {
		clauses = append(clauses, "client_address=?")
		args = append(args, f.Client)
	}
	if f.Worker != "" {
		clauses = append(clauses, "worker_address=?")
		args = append(args, f.Worker)
	}
	if f.CursorSeq > 0 {
		clauses = append(clauses, "seq < ?")
		args = append(args, f.CursorSeq)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + gigColumns + ` FROM gigs ` + where + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gig
	for rows.Next() {
		g, err := scanGig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) ListGigsByClient(ctx context.Context, address string) ([]domain.Gig, error) {
	return r.ListGigs(ctx, GigFilters{Client: address})
}

func (r Repo) ListGigsByWorker(ctx context.Context, address string) ([]domain.Gig, error) {
	return r.ListGigs(ctx, GigFilters{Worker: address})
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
