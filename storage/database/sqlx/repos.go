// Package sqlxrepos is the postgres storage lane: raw SQL through sqlx over
// the schema in storage/database/migrations.
package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// asJSONB marshals v for a jsonb column; nil slices become empty arrays.
func asJSONB(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling jsonb column")
	}
	if string(data) == "null" {
		data = []byte("[]")
	}
	return data, nil
}

// fromJSONB unmarshals a jsonb column into dst; empty columns are left as-is.
func fromJSONB(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, dst), "unmarshaling jsonb column")
}

// inTx runs fn within a transaction, committing on success.
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func isNoRows(err error) bool {
	return errors.Cause(err) == sql.ErrNoRows
}
