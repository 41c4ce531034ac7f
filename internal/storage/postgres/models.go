// Package postgres implements the persistence gateway on PostgreSQL via GORM.
package postgres

import "time"

// Notification is the stored form of a notice. Column sizes bound the
// normalized fields; the scraper truncates before insert.
type Notification struct {
	ID       string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Title    string    `gorm:"column:title;size:80"`
	Author   string    `gorm:"column:author;size:40"`
	Text     string    `gorm:"column:text;type:text"`
	Summary  string    `gorm:"column:summary;type:text"`
	URL      string    `gorm:"column:url;type:text"`
	Time     time.Time `gorm:"column:time;index"`
	IsPushed bool      `gorm:"column:is_pushed;index"`

	Attachments []Attachment `gorm:"foreignKey:NoticeID;references:ID"`
}

// TableName keeps the original table naming.
func (Notification) TableName() string { return "notification" }

// Attachment is a stored attachment row; its lifetime is tied to the
// owning notification.
type Attachment struct {
	ID       uint   `gorm:"column:id;primaryKey;autoIncrement"`
	NoticeID string `gorm:"column:notice_id;type:varchar(36);index"`
	Name     string `gorm:"column:name;size:50"`
	URL      string `gorm:"column:url;type:text"`
}

// TableName keeps the original table naming.
func (Attachment) TableName() string { return "attachment" }

// Status is one appended cycle-outcome row.
type Status struct {
	ID     uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Status int       `gorm:"column:status"`
	Time   time.Time `gorm:"column:time;index"`
}

// TableName keeps the original table naming.
func (Status) TableName() string { return "status" }
