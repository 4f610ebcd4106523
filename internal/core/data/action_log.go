package data

import (
	"time"

	"gorm.io/gorm"
)

// ActionWrongPassword is recorded for every rejected login proof.
const ActionWrongPassword = "WRONG_PASSWORD"

// ActionLog is an audit entry for a security relevant client action.
type ActionLog struct {
	ID        uint64 `gorm:"primaryKey"`
	IP        string `gorm:"index"`
	Username  string
	Action    string `gorm:"not null"`
	CreatedAt time.Time
}

func CreateActionLog(db *gorm.DB, entry *ActionLog) error {
	return db.Create(entry).Error
}

// FindActionLogs returns every entry recorded for ip, oldest first.
func FindActionLogs(db *gorm.DB, ip string) ([]ActionLog, error) {
	var entries []ActionLog
	err := db.Where("ip = ?", ip).Order("id").Find(&entries).Error
	return entries, err
}
