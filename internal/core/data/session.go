package data

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ActiveSession binds an authenticated account to the key and greetcode handed
// to its client. The game service consumes the greetcode once.
type ActiveSession struct {
	ID         uint64 `gorm:"primaryKey"`
	AccountID  uint64 `gorm:"index; not null"`
	SessionKey []byte `gorm:"not null"`
	AuthIP     string
	Greetcode  []byte `gorm:"uniqueIndex; not null"`
	CreatedAt  time.Time
}

// CreateActiveSession persists a new ActiveSession.
func CreateActiveSession(db *gorm.DB, session *ActiveSession) error {
	return db.Create(session).Error
}

// DeleteActiveSessions removes every session held by the account and reports
// how many there were.
func DeleteActiveSessions(db *gorm.DB, accountID uint64) (int64, error) {
	result := db.Where("account_id = ?", accountID).Delete(&ActiveSession{})
	return result.RowsAffected, result.Error
}

// FindActiveSessions returns every session held by the account, oldest first.
func FindActiveSessions(db *gorm.DB, accountID uint64) ([]ActiveSession, error) {
	var sessions []ActiveSession
	err := db.Where("account_id = ?", accountID).Order("id").Find(&sessions).Error
	return sessions, err
}

// FindActiveSessionByGreetcode returns the session issued with greetcode or nil.
func FindActiveSessionByGreetcode(db *gorm.DB, greetcode []byte) (*ActiveSession, error) {
	var session ActiveSession
	err := db.Where("greetcode = ?", greetcode).First(&session).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &session, nil
}
