package storage

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
)

func TestDB_LockingQueryPerDriver(t *testing.T) {
	const query = `SELECT key_hash, current_balance, credit_limit FROM api_keys WHERE id = ?`

	tests := []struct {
		driver string
		want   string
	}{
		{DriverPostgres, `SELECT key_hash, current_balance, credit_limit FROM api_keys WHERE id = $1 FOR UPDATE`},
		{DriverSQLite, `SELECT key_hash, current_balance, credit_limit FROM api_keys WHERE id = ?`},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			db := &DB{conn: sqlx.NewDb(nil, tt.driver), driver: tt.driver}
			assert.Equal(t, tt.want, db.Rebind(query+db.LockClause()))
		})
	}
}
