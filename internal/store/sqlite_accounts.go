package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botflow/internal/domain"
)

func (r *sqliteRepo) CreateAccount(ctx context.Context, a domain.Account) (string, error) {
	id := a.ID
	if id == "" {
		id = "acc_" + uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO accounts (id,username,status,proxy_url,auth_state,created_at,updated_at)
VALUES (?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, a.Username, a.Status, a.ProxyURL, []byte(a.AuthState))
	return id, err
}

func (r *sqliteRepo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,username,status,proxy_url,fingerprint,auth_state,created_at,updated_at
FROM accounts WHERE id=?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	var fp, auth []byte
	err := row.Scan(&a.ID, &a.Username, &a.Status, &a.ProxyURL, &fp, &auth, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	a.AuthState = auth
	if len(fp) > 0 {
		var f domain.Fingerprint
		if json.Unmarshal(fp, &f) == nil {
			a.FingerprintID = f.ID
		}
	}
	return a, nil
}

func (r *sqliteRepo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,username,status,proxy_url,fingerprint,auth_state,created_at,updated_at
FROM accounts ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *sqliteRepo) UpdateAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE accounts SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, status, id)
	return err
}

func (r *sqliteRepo) SaveAuthState(ctx context.Context, id string, auth json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE accounts SET auth_state=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, []byte(auth), id)
	return err
}

// SaveAssignment pins the proxy and fingerprint an account will use for
// every future session. Written once, on first session creation.
func (r *sqliteRepo) SaveAssignment(ctx context.Context, id, proxyURL string, fp domain.Fingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE accounts SET proxy_url=?, fingerprint=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, proxyURL, raw, id)
	return err
}

// AccountFingerprint returns the pinned fingerprint, with ok=false when
// none has been assigned yet.
func (r *sqliteRepo) AccountFingerprint(ctx context.Context, id string) (domain.Fingerprint, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT fingerprint FROM accounts WHERE id=?`, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return domain.Fingerprint{}, false, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
		}
		return domain.Fingerprint{}, false, err
	}
	if len(raw) == 0 {
		return domain.Fingerprint{}, false, nil
	}
	var f domain.Fingerprint
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.Fingerprint{}, false, err
	}
	return f, true, nil
}

func (r *sqliteRepo) AppendInteraction(ctx context.Context, rec domain.InteractionRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = "int_" + uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO interactions (id,account_id,type,target_id,success,created_at)
VALUES (?,?,?,?,?,?)`, id, rec.AccountID, rec.Type, rec.TargetID, rec.Success, createdAt.UTC())
	return id, err
}

// CountInteractions counts successful interactions in the window since..now.
func (r *sqliteRepo) CountInteractions(ctx context.Context, accountID string, typ domain.TaskType, since time.Time) (int, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM interactions
WHERE account_id=? AND type=? AND success=1 AND created_at >= ?`, accountID, typ, since.UTC())
	var n int
	err := row.Scan(&n)
	return n, err
}

// OldestInteraction returns the oldest successful interaction inside the
// window, which is what determines a denial's retry-after.
func (r *sqliteRepo) OldestInteraction(ctx context.Context, accountID string, typ domain.TaskType, since time.Time) (*time.Time, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT created_at FROM interactions
WHERE account_id=? AND type=? AND success=1 AND created_at >= ?
ORDER BY created_at ASC LIMIT 1`, accountID, typ, since.UTC())
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *sqliteRepo) ListInteractions(ctx context.Context, accountID string, limit int) ([]domain.InteractionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,account_id,type,target_id,success,created_at
FROM interactions WHERE account_id=? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.InteractionRecord
	for rows.Next() {
		var rec domain.InteractionRecord
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Type, &rec.TargetID, &rec.Success, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
