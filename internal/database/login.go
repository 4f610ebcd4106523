// Package database executes the login database statements, either directly or
// through a Worker that runs them on its own goroutine.
package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/dcrodman/warden/internal/core/data"
)

// Database is a session able to run the login statements.
type Database interface {
	Prepare(id StatementID, args ...interface{}) Statement
	Execute(ctx context.Context, stmt Statement) (*Result, error)
	Close() error
}

// LoginDatabase runs the login statements against one gorm connection.
type LoginDatabase struct {
	db *gorm.DB
}

func NewLoginDatabase(db *gorm.DB) *LoginDatabase {
	return &LoginDatabase{db: db}
}

func (l *LoginDatabase) Prepare(id StatementID, args ...interface{}) Statement {
	return Statement{ID: id, Args: args}
}

func (l *LoginDatabase) Execute(ctx context.Context, stmt Statement) (*Result, error) {
	db := l.db.WithContext(ctx)

	switch stmt.ID {
	case SelectAccountByName:
		username, err := arg[string](stmt, 0)
		if err != nil {
			return nil, err
		}
		account, err := data.FindAccountByUsername(db, username)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stmt.ID, err)
		}
		return &Result{Account: account}, nil

	case CheckPassword:
		accountID, err := arg[uint64](stmt, 0)
		if err != nil {
			return nil, err
		}
		account, err := data.FindAccountByID(db, accountID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stmt.ID, err)
		}
		if account == nil {
			return &Result{}, nil
		}
		return &Result{PasswordHash: account.Password}, nil

	case InsertWrongPasswordLog:
		ip, err := arg[string](stmt, 0)
		if err != nil {
			return nil, err
		}
		username, err := arg[string](stmt, 1)
		if err != nil {
			return nil, err
		}
		action, err := arg[string](stmt, 2)
		if err != nil {
			return nil, err
		}
		if err := data.CreateActionLog(db, &data.ActionLog{IP: ip, Username: username, Action: action}); err != nil {
			return nil, fmt.Errorf("%s: %w", stmt.ID, err)
		}
		return &Result{RowsAffected: 1}, nil

	case DeletePreviousSessions:
		accountID, err := arg[uint64](stmt, 0)
		if err != nil {
			return nil, err
		}
		n, err := data.DeleteActiveSessions(db, accountID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stmt.ID, err)
		}
		return &Result{RowsAffected: n}, nil

	case InsertNewSession:
		accountID, err := arg[uint64](stmt, 0)
		if err != nil {
			return nil, err
		}
		key, err := arg[[]byte](stmt, 1)
		if err != nil {
			return nil, err
		}
		authIP, err := arg[string](stmt, 2)
		if err != nil {
			return nil, err
		}
		greetcode, err := arg[[]byte](stmt, 3)
		if err != nil {
			return nil, err
		}
		session := &data.ActiveSession{
			AccountID:  accountID,
			SessionKey: key,
			AuthIP:     authIP,
			Greetcode:  greetcode,
		}
		if err := data.CreateActiveSession(db, session); err != nil {
			return nil, fmt.Errorf("%s: %w", stmt.ID, err)
		}
		return &Result{RowsAffected: 1}, nil
	}

	return nil, fmt.Errorf("%s: %w", stmt.ID, ErrUnknownStatement)
}

func (l *LoginDatabase) Close() error {
	return data.Close(l.db)
}
