package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Kind identifies the database engine backing an instance.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindMongoDB  Kind = "mongodb"
	KindRedis    Kind = "redis"
	KindMariaDB  Kind = "mariadb"
)

// Kinds lists every supported engine in a stable order.
var Kinds = []Kind{KindPostgres, KindMySQL, KindMongoDB, KindRedis, KindMariaDB}

// Valid reports whether k is a supported engine.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusStarting     Status = "starting"
	StatusStopping     Status = "stopping"
	StatusUpdating     Status = "updating"
	StatusFailed       Status = "failed"
	StatusDestroying   Status = "destroying"
	StatusDestroyed    Status = "destroyed"
)

// PortHoldingStatuses are the statuses in which an instance exclusively owns its port.
var PortHoldingStatuses = []Status{
	StatusProvisioning,
	StatusRunning,
	StatusStarting,
	StatusStopping,
	StatusUpdating,
}

// HoldsPort reports whether an instance in status s owns its port.
func (s Status) HoldsPort() bool {
	for _, h := range PortHoldingStatuses {
		if s == h {
			return true
		}
	}
	return false
}

// Instance is a single managed database container and its metadata.
// Rows are never deleted; destroyed instances are kept for history.
type Instance struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name                string         `gorm:"type:varchar(63);not null;index" json:"name"`
	Kind                Kind           `gorm:"type:varchar(16);not null" json:"kind"`
	Version             string         `gorm:"type:varchar(64);not null" json:"version"`
	MemoryLimitMB       *int           `json:"memory_limit_mb,omitempty"`
	Port                int            `gorm:"not null;index" json:"port"`
	Status              Status         `gorm:"type:varchar(16);not null;index" json:"status"`
	ContainerID         *string        `gorm:"type:varchar(128)" json:"container_id,omitempty"`
	ConnectionString    *string        `gorm:"type:text" json:"-"`
	EncryptedCredential *string        `gorm:"type:text" json:"-"`
	WorkingDir          string         `gorm:"type:text;not null" json:"working_dir"`
	LastError           string         `gorm:"type:text" json:"last_error,omitempty"`
	TerraformState      datatypes.JSON `gorm:"type:jsonb" json:"-"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (Instance) TableName() string {
	return "database_instances"
}

// HasContainer reports whether the container handle is known.
func (i *Instance) HasContainer() bool {
	return i.ContainerID != nil && *i.ContainerID != ""
}
