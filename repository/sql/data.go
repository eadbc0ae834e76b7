package sql

import (
	"github.com/listashare/eventrelay/repository"
)

// queries holds the statements in the placeholder style of the driver.
type queries struct {
	useDollar        bool
	insertOutbox     string
	claimLock        string
	claim            string
	selectForFailure string
	markFailed       string
	findDead         string
	countByStatus    string
}

func newQueries(useDollar bool) queries {
	q := queries{
		useDollar:        useDollar,
		insertOutbox:     repository.InsertOutboxSql,
		claimLock:        repository.ClaimLockSql,
		claim:            repository.ClaimSql,
		selectForFailure: repository.SelectForFailureSql,
		markFailed:       repository.MarkFailedSql,
		findDead:         repository.FindDeadSql,
		countByStatus:    repository.CountByStatusSql,
	}
	if useDollar {
		q.insertOutbox = repository.ConvertToDollarPlaceholder(q.insertOutbox)
		q.claimLock = repository.ConvertToDollarPlaceholder(q.claimLock)
		q.claim = repository.ConvertToDollarPlaceholder(q.claim)
		q.selectForFailure = repository.ConvertToDollarPlaceholder(q.selectForFailure)
		q.markFailed = repository.ConvertToDollarPlaceholder(q.markFailed)
		q.findDead = repository.ConvertToDollarPlaceholder(q.findDead)
	}
	return q
}

// withIds completes a statement ending in "IN " with n placeholders.
func (q queries) withIds(stmt string, n int) string {
	query := stmt + repository.InList(n)
	if q.useDollar {
		return repository.ConvertToDollarPlaceholder(query)
	}
	return query
}
