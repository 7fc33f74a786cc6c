package types

type CreateDatabaseRequest struct {
	Name          string `json:"name" validate:"required,dbname"`
	Kind          string `json:"kind" validate:"required,oneof=postgres mysql mongodb redis mariadb"`
	Version       string `json:"version" validate:"omitempty,dbversion"`
	Port          *int   `json:"port" validate:"omitempty,min=5433,max=65535"`
	MemoryLimitMB *int   `json:"memory_limit_mb" validate:"omitempty,min=128,max=2048"`
}

// UpdateDatabaseRequest carries the mutable fields. Name identifies the
// database and must match the path.
type UpdateDatabaseRequest struct {
	Name          string  `json:"name" validate:"required,dbname"`
	NewName       *string `json:"new_name" validate:"omitempty,dbname"`
	Port          *int    `json:"port" validate:"omitempty,min=5433,max=65535"`
	MemoryLimitMB *int    `json:"memory_limit_mb" validate:"omitempty,min=128,max=2048"`
}
