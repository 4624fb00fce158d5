package database

import "time"

// Node is one leaf of the tree: a full path and its canonical JSON value
type Node struct {
	Path      string `gorm:"primaryKey;size:1024"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// Revision is the write lock and commit counter of a tree. Every write
// transaction bumps it first, which serializes writers on the row.
type Revision struct {
	Name      string `gorm:"primaryKey;size:64"`
	Rev       int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// Change records which paths one committed write touched, so other
// processes sharing the database can notify their listeners
type Change struct {
	Rev       int64  `gorm:"primaryKey;autoIncrement:false"`
	Origin    string `gorm:"size:64;not null"`
	Paths     string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
