package database

import (
	"errors"
	"fmt"

	"github.com/dcrodman/warden/internal/core/data"
)

// StatementID names one of the prepared statements of the login database.
type StatementID int

const (
	// SelectAccountByName(username string) returns Result.Account, nil when absent.
	SelectAccountByName StatementID = iota
	// CheckPassword(accountID uint64) returns Result.PasswordHash.
	CheckPassword
	// InsertWrongPasswordLog(ip, username, action string)
	InsertWrongPasswordLog
	// DeletePreviousSessions(accountID uint64)
	DeletePreviousSessions
	// InsertNewSession(accountID uint64, sessionKey []byte, authIP string, greetcode []byte)
	InsertNewSession
)

var statementNames = map[StatementID]string{
	SelectAccountByName:    "select_account_by_name",
	CheckPassword:          "check_password",
	InsertWrongPasswordLog: "insert_wrong_password_log",
	DeletePreviousSessions: "delete_previous_sessions",
	InsertNewSession:       "insert_new_session",
}

func (id StatementID) String() string {
	if name, ok := statementNames[id]; ok {
		return name
	}
	return fmt.Sprintf("statement(%d)", int(id))
}

var (
	ErrUnknownStatement = errors.New("unknown statement")
	ErrBadArguments     = errors.New("statement arguments do not match")
)

// Statement is a prepared statement with its bound arguments.
type Statement struct {
	ID   StatementID
	Args []interface{}
}

// Result carries whatever a statement produced.
type Result struct {
	Account      *data.Account
	PasswordHash string
	RowsAffected int64
}

func arg[T any](s Statement, i int) (T, error) {
	var zero T
	if i >= len(s.Args) {
		return zero, fmt.Errorf("%s: missing argument %d: %w", s.ID, i, ErrBadArguments)
	}
	v, ok := s.Args[i].(T)
	if !ok {
		return zero, fmt.Errorf("%s: argument %d has type %T: %w", s.ID, i, s.Args[i], ErrBadArguments)
	}
	return v, nil
}
