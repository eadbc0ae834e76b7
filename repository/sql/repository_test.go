package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/listashare/eventrelay/events"
	"github.com/listashare/eventrelay/outbox"
	"github.com/listashare/eventrelay/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func createMockRepository(t *testing.T, useDollar bool) (*Repository, *sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := New(test.DefaultCtxKey, db, useDollar, WithRetryPolicy(outbox.RetryPolicy{
		MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2,
	}))
	return r, db, mock
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	testcases := []struct {
		name      string
		txKey     outbox.TxKey
		db        *sql.DB
		wantPanic bool
	}{
		{name: "valid txKey and valid db", txKey: test.DefaultCtxKey, db: db},
		{name: "txKey is nil", db: db, wantPanic: true},
		{name: "db is nil", txKey: test.DefaultCtxKey, wantPanic: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() { New(tc.txKey, tc.db, false) })
			} else {
				assert.NotPanics(t, func() { New(tc.txKey, tc.db, false) })
			}
		})
	}
}

func TestNewQueries(t *testing.T) {
	q := newQueries(true)
	assert.Contains(t, q.insertOutbox, "VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', 0)")
	assert.Contains(t, q.withIds("... IN ", 2), "IN ($1, $2)")

	q = newQueries(false)
	assert.Contains(t, q.insertOutbox, "VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', 0)")
	assert.Equal(t, "x IN (?, ?)", q.withIds("x IN ", 2))
}

func TestAppend(t *testing.T) {
	e, err := events.New(events.ProductoDeletedEvent, events.AggregateProducto, "p-1",
		events.ProductoDeleted{ProductoId: "p-1"})
	require.NoError(t, err)

	testcases := []struct {
		name             string
		withTx           bool
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          error
	}{
		{
			name:   "valid context and valid event",
			withTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`^INSERT INTO outbox \(.+\) VALUES \(\$1`).
					WithArgs(e.EventId, e.EventType, e.AggregateType, e.AggregateId, sqlmock.AnyArg(), e.OccurredOn, 1, "{}").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name:    "context without an existing transaction",
			wantErr: outbox.ErrPersistence,
		},
		{
			name:   "duplicate event id",
			withTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("^INSERT INTO outbox").WithArgs(test.GenerateAnyArgsSlice(8)...).
					WillReturnError(&pgconn.PgError{Code: "23505"})
			},
			wantErr: outbox.ErrDuplicateEvent,
		},
		{
			name:   "simulate error when saving",
			withTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("^INSERT INTO outbox").WithArgs(test.GenerateAnyArgsSlice(8)...).
					WillReturnError(errors.New("error#1"))
			},
			wantErr: outbox.ErrPersistence,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, db, mock := createMockRepository(t, true)
			ctx := context.Background()
			if tc.withTx {
				mock.ExpectBegin()
				tx, err := db.Begin()
				require.NoError(t, err)
				ctx = context.WithValue(ctx, test.DefaultCtxKey, tx)
				tc.mockExpectations(mock)
			}

			err := r.Append(ctx, e)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClaimBatch(t *testing.T) {
	owner := uuid.New()
	first := uuid.New()
	second := uuid.New()

	t.Run("claimed rows are mapped and sorted", func(t *testing.T) {
		r, _, mock := createMockRepository(t, true)
		mock.ExpectBegin()
		mock.ExpectExec(`^SELECT pg_advisory_xact_lock\(\$1\)$`).WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("^UPDATE outbox SET claimed_by = (.+) FOR UPDATE SKIP LOCKED").
			WithArgs(owner, now.Add(time.Minute), now, now, now, now, 10).
			WillReturnRows(sqlmock.NewRows(test.OutboxColumns).
				AddRow(test.OutboxRow(second.String(), "p-2", now.Add(-time.Second))...).
				AddRow(test.OutboxRow(first.String(), "p-1", now.Add(-time.Minute))...))
		mock.ExpectCommit()

		records, err := r.ClaimBatch(context.Background(), owner, 10, now, time.Minute)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, first, records[0].EventId)
		assert.Equal(t, second, records[1].EventId)
		assert.Equal(t, outbox.StatusPending, records[0].Status)
		assert.Equal(t, "corr", records[0].EventContext.CorrelationId)
		assert.Equal(t, events.RawData(`{"productoId":"p-1"}`), records[0].EventData)
		assert.Nil(t, records[0].LastError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("claim query fails", func(t *testing.T) {
		r, _, mock := createMockRepository(t, true)
		mock.ExpectBegin()
		mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("^UPDATE outbox SET claimed_by").WillReturnError(errors.New("error#1"))
		mock.ExpectRollback()

		_, err := r.ClaimBatch(context.Background(), owner, 10, now, time.Minute)
		assert.ErrorIs(t, err, outbox.ErrPersistence)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("corrupted row", func(t *testing.T) {
		r, _, mock := createMockRepository(t, true)
		row := test.OutboxRow(first.String(), "p-1", now)
		row[7] = []byte("not json")
		mock.ExpectBegin()
		mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("^UPDATE outbox SET claimed_by").
			WillReturnRows(sqlmock.NewRows(test.OutboxColumns).AddRow(row...))
		mock.ExpectRollback()

		_, err := r.ClaimBatch(context.Background(), owner, 10, now, time.Minute)
		assert.ErrorIs(t, err, outbox.ErrSerialization)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkPublished(t *testing.T) {
	owner := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	t.Run("question mark placeholders", func(t *testing.T) {
		r, _, mock := createMockRepository(t, false)
		mock.ExpectExec(`^UPDATE outbox SET status = 'PUBLISHED'(.+)claimed_by = \? AND event_id IN \(\?, \?\)$`).
			WithArgs(now, owner, ids[0], ids[1]).
			WillReturnResult(sqlmock.NewResult(0, 2))
		assert.NoError(t, r.MarkPublished(context.Background(), owner, ids, now))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update fails", func(t *testing.T) {
		r, _, mock := createMockRepository(t, true)
		mock.ExpectExec("^UPDATE outbox SET status = 'PUBLISHED'").WillReturnError(errors.New("error#1"))
		assert.ErrorIs(t, r.MarkPublished(context.Background(), owner, ids, now), outbox.ErrPersistence)
	})
}

func TestMarkFailed(t *testing.T) {
	owner := uuid.New()
	id := uuid.New()
	cause := fmt.Errorf("%w: nack", outbox.ErrPublishRejected)
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantStatus       outbox.Status
		wantErr          error
	}{
		{
			name: "second failure is retried",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(`^SELECT status, attempts, COALESCE\(claimed_by = \$1, FALSE\) FROM outbox WHERE event_id = \$2 FOR UPDATE$`).WithArgs(owner, id).
					WillReturnRows(sqlmock.NewRows([]string{"status", "attempts", "owned"}).AddRow("PENDING", 1, true))
				mock.ExpectExec("^UPDATE outbox SET status = ").
					WithArgs("PENDING", 2, cause.Error(), now.Add(2*time.Second), id, owner).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantStatus: outbox.StatusPending,
		},
		{
			name: "ceiling exceeded",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("^SELECT status, attempts, COALESCE").WithArgs(owner, id).
					WillReturnRows(sqlmock.NewRows([]string{"status", "attempts", "owned"}).AddRow("PENDING", 2, true))
				mock.ExpectExec("^UPDATE outbox SET status = ").
					WithArgs("DEAD", 3, cause.Error(), nil, id, owner).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantStatus: outbox.StatusDead,
		},
		{
			name: "dead record is left untouched",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("^SELECT status, attempts, COALESCE").WithArgs(owner, id).
					WillReturnRows(sqlmock.NewRows([]string{"status", "attempts", "owned"}).AddRow("DEAD", 3, false))
				mock.ExpectRollback()
			},
			wantStatus: outbox.StatusDead,
		},
		{
			name: "lease taken over by another relay",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("^SELECT status, attempts, COALESCE").WithArgs(owner, id).
					WillReturnRows(sqlmock.NewRows([]string{"status", "attempts", "owned"}).AddRow("PENDING", 1, false))
				mock.ExpectRollback()
			},
			wantErr: outbox.ErrLeaseLost,
		},
		{
			name: "unknown record",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("^SELECT status, attempts, COALESCE").WithArgs(owner, id).
					WillReturnRows(sqlmock.NewRows([]string{"status", "attempts", "owned"}))
				mock.ExpectRollback()
			},
			wantErr: outbox.ErrNotFound,
		},
		{
			name: "begin fails",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("error#1"))
			},
			wantErr: outbox.ErrPersistence,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, mock := createMockRepository(t, true)
			tc.mockExpectations(mock)
			status, err := r.MarkFailed(context.Background(), owner, id, cause, now)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.wantStatus, status)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRelease(t *testing.T) {
	owner := uuid.New()
	id := uuid.New()
	r, _, mock := createMockRepository(t, true)
	mock.ExpectExec(`claimed_by = \$1 AND event_id IN \(\$2\)$`).WithArgs(owner, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, r.Release(context.Background(), owner, []uuid.UUID{id}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDead(t *testing.T) {
	id := uuid.New()
	r, _, mock := createMockRepository(t, true)
	row := test.OutboxRow(id.String(), "p-1", now)
	row[8] = "DEAD"
	row[9] = 4
	row[10] = "broker down"
	mock.ExpectQuery(`FROM outbox WHERE status = 'DEAD' ORDER BY occurred_on ASC LIMIT \$1$`).WithArgs(5).
		WillReturnRows(sqlmock.NewRows(test.OutboxColumns).AddRow(row...))

	dead, err := r.FindDead(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, outbox.StatusDead, dead[0].Status)
	assert.Equal(t, 4, dead[0].Attempts)
	require.NotNil(t, dead[0].LastError)
	assert.Equal(t, "broker down", *dead[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	r, _, mock := createMockRepository(t, true)
	mock.ExpectQuery("^SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("PENDING", 7).AddRow("PUBLISHED", 70))
	counts, err := r.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[outbox.Status]int64{outbox.StatusPending: 7, outbox.StatusPublished: 70}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
