package database

import (
	"context"
	"database/sql"
	"time"
)

// UserCredentialRow holds an encrypted private key. The plaintext key never
// reaches this package.
type UserCredentialRow struct {
	UserID            string
	Network           string
	OperatorAccountID string
	EncryptedKey      []byte
	Salt              []byte
	Nonce             []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (sqlm *SQLiteManager) UpsertUserCredential(ctx context.Context, c *UserCredentialRow) error {
	now := time.Now().UTC()
	_, err := sqlm.table("user_credentials").exec(ctx, `
	INSERT INTO user_credentials (user_id, network, operator_account_id, encrypted_key, salt, nonce, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		network = excluded.network,
		operator_account_id = excluded.operator_account_id,
		encrypted_key = excluded.encrypted_key,
		salt = excluded.salt,
		nonce = excluded.nonce,
		updated_at = excluded.updated_at`,
		c.UserID, c.Network, c.OperatorAccountID, c.EncryptedKey, c.Salt, c.Nonce, now.Unix(), now.Unix(),
	)
	return err
}

// GetUserCredential returns (nil, nil) when the user has no credential.
func (sqlm *SQLiteManager) GetUserCredential(ctx context.Context, userID string) (*UserCredentialRow, error) {
	return queryOne(ctx, sqlm.table("user_credentials"),
		func(row *sql.Row) (*UserCredentialRow, error) {
			var c UserCredentialRow
			var created, updated int64
			if err := row.Scan(&c.UserID, &c.Network, &c.OperatorAccountID, &c.EncryptedKey, &c.Salt, &c.Nonce, &created, &updated); err != nil {
				return nil, err
			}
			c.CreatedAt = time.Unix(created, 0).UTC()
			c.UpdatedAt = time.Unix(updated, 0).UTC()
			return &c, nil
		}, `
	SELECT user_id, network, operator_account_id, encrypted_key, salt, nonce, created_at, updated_at
	FROM user_credentials WHERE user_id = ?`, userID)
}

// DeleteUserCredential returns sql.ErrNoRows if nothing was stored.
func (sqlm *SQLiteManager) DeleteUserCredential(ctx context.Context, userID string) error {
	_, err := sqlm.table("user_credentials").execAffecting(ctx, `DELETE FROM user_credentials WHERE user_id = ?`, userID)
	return err
}
