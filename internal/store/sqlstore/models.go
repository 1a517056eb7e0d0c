package sqlstore

import "time"

// docRow is the current revision of one document.
type docRow struct {
	ID   string `gorm:"primaryKey"`
	Kind string `gorm:"index;not null"`
	// Scopes is the comma-delimited scope list, wrapped in commas so that
	// ",graph:1," LIKE queries are exact.
	Scopes    string `gorm:"index"`
	Name      string
	Rev       int    `gorm:"not null"`
	Body      string `gorm:"type:text;not null"`
	Deleted   bool   `gorm:"index"`
	UpdatedAt time.Time
}

func (docRow) TableName() string { return "documents" }

// changeRow is one entry of the change log. Seq is the cursor.
type changeRow struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	DocID     string `gorm:"index;not null"`
	Kind      string
	Scopes    string
	Deleted   bool
	Body      string `gorm:"type:text"`
	CreatedAt time.Time
}

func (changeRow) TableName() string { return "changes" }
