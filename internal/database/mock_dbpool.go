package database

import (
	"context"

	"github.com/pashagolub/pgxmock/v4"
)

// mockPool runs repository queries against pgxmock through the same adapter
// as the real Postgres pool, so tests assert the exact SQL a repository issues.
type mockPool struct {
	pgxQuerier
	mock pgxmock.PgxPoolIface
}

// NewMockDBPoolFromNewPool returns a DBPool backed by a fresh pgxmock pool and
// the mock itself for setting expectations.
func NewMockDBPoolFromNewPool() (DBPool, pgxmock.PgxPoolIface, error) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		return nil, nil, err
	}
	return &mockPool{pgxQuerier: pgxQuerier{conn: mock}, mock: mock}, mock, nil
}

func (m *mockPool) Begin(ctx context.Context) (Tx, error) {
	return beginPgx(ctx, m.mock)
}
