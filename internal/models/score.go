package models

import "time"

// AssignmentScore is one anonymized contribution to a shared class average.
type AssignmentScore struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserHash     string    `gorm:"size:64;not null;uniqueIndex:idx_assignment_user" json:"-"`
	CourseID     int64     `gorm:"not null;index" json:"course_id"`
	AssignmentID int64     `gorm:"not null;uniqueIndex:idx_assignment_user" json:"assignment_id"`
	Percent      int       `gorm:"not null" json:"percent"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName pins the table name used by the averages queries.
func (AssignmentScore) TableName() string {
	return "assignment_scores"
}
