package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/integralist/go-findroot/find"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// OutboxColumns are the columns returned by every outbox row query.
var OutboxColumns = []string{
	"event_id", "event_type", "aggregate_type", "aggregate_id", "event_data", "occurred_on",
	"event_version", "event_context", "status", "attempts", "last_error", "next_retry_at",
	"claimed_by", "claimed_until", "published_at",
}

// OutboxRow builds a pending outbox row with the given identity.
func OutboxRow(id string, aggregateId string, occurredOn time.Time) []driver.Value {
	return []driver.Value{
		id, "ProductoDeletedEvent", "Producto", aggregateId, []byte(`{"productoId":"` + aggregateId + `"}`),
		occurredOn, 1, []byte(`{"correlationId":"corr"}`), "PENDING", 0, nil, nil, nil, nil, nil,
	}
}

// AnyArgs returns n pgxmock.AnyArg matchers.
func AnyArgs(n int) []any {
	result := make([]any, n)
	for i := 0; i < n; i++ {
		result[i] = pgxmock.AnyArg()
	}
	return result
}
