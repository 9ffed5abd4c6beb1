package callerid

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresDirectory matches callers against the platform user base. It only
// reads the two narrow projections the gateway needs; the business-data model
// stays owned elsewhere.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) FindUserByPhone(ctx context.Context, phone string) (User, bool, error) {
	const q = `
		SELECT id, COALESCE(display_name, ''), COALESCE(first_name, '')
		FROM voice_users
		WHERE phone = $1`

	var u User
	err := d.db.QueryRowContext(ctx, q, phone).Scan(&u.ID, &u.DisplayName, &u.FirstName)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

func (d *PostgresDirectory) IsCustomerOfLine(ctx context.Context, lineID, userID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM voice_customers
			WHERE line_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := d.db.QueryRowContext(ctx, q, lineID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
