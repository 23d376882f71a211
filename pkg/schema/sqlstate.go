package schema

import (
	"errors"

	"github.com/lib/pq"
)

// SQLSTATE codes the sync job reacts to
const (
	codeUndefinedTable  = "42P01"
	codeDuplicateObject = "42710"
	codeDuplicateTable  = "42P07"
)

// SQLState returns the SQLSTATE of a Postgres error, or "" for any other error
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUndefinedTable reports whether err says the relation does not exist
func IsUndefinedTable(err error) bool {
	return SQLState(err) == codeUndefinedTable
}

// IsDuplicate reports whether err says the object being created already exists
func IsDuplicate(err error) bool {
	switch SQLState(err) {
	case codeDuplicateObject, codeDuplicateTable:
		return true
	}
	return false
}
