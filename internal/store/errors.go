package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrDuplicateEmail   = errors.New("store: email already registered")
	ErrDuplicateMessage = errors.New("store: message already recorded")
	// ErrReferential means a foreign key pointed at a row that does not exist.
	ErrReferential = errors.New("store: referenced row does not exist")
)

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
