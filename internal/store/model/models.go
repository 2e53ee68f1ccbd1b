package model

import (
	"time"

	"gorm.io/datatypes"
)

type InstanceStatus int

const (
	InstanceStatusPending  InstanceStatus = 0
	InstanceStatusActive   InstanceStatus = 1
	InstanceStatusStopping InstanceStatus = 2
	InstanceStatusStopped  InstanceStatus = 3
	InstanceStatusDone     InstanceStatus = 4
	InstanceStatusFailed   InstanceStatus = 5
)

func (s InstanceStatus) Running() bool {
	return s == InstanceStatusActive || s == InstanceStatusStopping
}

func (s InstanceStatus) String() string {
	switch s {
	case InstanceStatusPending:
		return "pending"
	case InstanceStatusActive:
		return "active"
	case InstanceStatusStopping:
		return "stopping"
	case InstanceStatusStopped:
		return "stopped"
	case InstanceStatusDone:
		return "done"
	case InstanceStatusFailed:
		return "failed"
	}
	return "unknown"
}

type StrategyInstanceModel struct {
	ID   string `gorm:"column:id;primaryKey"`
	Type string `gorm:"column:type;index"`

	Interval string `gorm:"column:interval"`

	// ClientTag is unique by construction (derived from the instance id);
	// a plain index keeps lookups fast without rejecting untagged rows.
	ClientTag     string         `gorm:"column:client_tag;index"`
	ParamsJSON    datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	StateJSON     datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	Status        InstanceStatus `gorm:"column:status;index"`
	NeedsReview   bool           `gorm:"column:needs_review"`
	LastError     string         `gorm:"column:last_error"`
	LastTickUnix  *int64         `gorm:"column:last_tick_at"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`

	CreatedAt time.Time `gorm:"-"`
	UpdatedAt time.Time `gorm:"-"`
}

func (StrategyInstanceModel) TableName() string { return "strategy_instances" }

type TickLogModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	InstanceID    string `gorm:"column:instance_id;index"`
	StartedAtUnix int64  `gorm:"column:started_at"`
	DurationMs    int64  `gorm:"column:duration_ms"`
	Placed        int    `gorm:"column:placed"`
	Cancelled     int    `gorm:"column:cancelled"`
	Failures      int    `gorm:"column:failures"`
	Skipped       int    `gorm:"column:skipped"`
	Error         string `gorm:"column:error"`
	NeedsReview   bool   `gorm:"column:needs_review"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (TickLogModel) TableName() string { return "tick_logs" }
