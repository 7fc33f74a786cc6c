package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dbstudio/engine/internal/models"
	"github.com/dbstudio/engine/pkg/database"
	appErr "github.com/dbstudio/engine/pkg/errors"
)

// Field names reported in the "field" metadata of conflict errors.
const (
	FieldName = "name"
	FieldPort = "port"
)

// Patch lists the columns written alongside a status transition. Nil fields
// are left untouched.
type Patch struct {
	Name                *string
	Port                *int
	WorkingDir          *string
	ContainerID         *string
	ConnectionString    *string
	EncryptedCredential *string
	LastError           *string
	TerraformState      []byte
}

func (p Patch) columns() map[string]any {
	cols := map[string]any{}
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.Port != nil {
		cols["port"] = *p.Port
	}
	if p.WorkingDir != nil {
		cols["working_dir"] = *p.WorkingDir
	}
	if p.ContainerID != nil {
		cols["container_id"] = *p.ContainerID
	}
	if p.ConnectionString != nil {
		cols["connection_string"] = *p.ConnectionString
	}
	if p.EncryptedCredential != nil {
		cols["encrypted_credential"] = *p.EncryptedCredential
	}
	if p.LastError != nil {
		cols["last_error"] = *p.LastError
	}
	if p.TerraformState != nil {
		cols["terraform_state"] = datatypes.JSON(p.TerraformState)
	}
	return cols
}

func (p Patch) apply(inst *models.Instance) {
	if p.Name != nil {
		inst.Name = *p.Name
	}
	if p.Port != nil {
		inst.Port = *p.Port
	}
	if p.WorkingDir != nil {
		inst.WorkingDir = *p.WorkingDir
	}
	if p.ContainerID != nil {
		v := *p.ContainerID
		inst.ContainerID = &v
	}
	if p.ConnectionString != nil {
		v := *p.ConnectionString
		inst.ConnectionString = &v
	}
	if p.EncryptedCredential != nil {
		v := *p.EncryptedCredential
		inst.EncryptedCredential = &v
	}
	if p.LastError != nil {
		inst.LastError = *p.LastError
	}
	if p.TerraformState != nil {
		inst.TerraformState = datatypes.JSON(p.TerraformState)
	}
}

// InstanceRepository is the resource store. Every status change goes through
// Transition, which is an atomic compare-and-set on the current status.
type InstanceRepository interface {
	Create(ctx context.Context, inst *models.Instance) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Instance, error)
	FindActiveByName(ctx context.Context, name string) (*models.Instance, error)
	ExistsActiveByName(ctx context.Context, name string) (bool, error)
	ListActive(ctx context.Context) ([]models.Instance, error)
	// MaxAllocatedPort is the highest port ever recorded, across all rows
	// including destroyed ones. Nil when the store is empty.
	MaxAllocatedPort(ctx context.Context) (*int, error)
	IsPortHeld(ctx context.Context, port int) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, patch Patch) (*models.Instance, error)
	Ping(ctx context.Context) error
}

type instanceRepository struct {
	BaseRepository[models.Instance]
	db *gorm.DB
}

func NewInstanceRepository(db *gorm.DB) InstanceRepository {
	return &instanceRepository{BaseRepository: NewBaseRepository[models.Instance](db), db: db}
}

func (r *instanceRepository) Create(ctx context.Context, inst *models.Instance) error {
	return conflictField(r.BaseRepository.Create(ctx, inst))
}

func (r *instanceRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	var inst models.Instance
	if err := r.GetByID(ctx, id, &inst); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return nil, appErr.Newf(appErr.CodeNotFound, "database %s not found", id)
		}
		return nil, err
	}
	return &inst, nil
}

func (r *instanceRepository) FindActiveByName(ctx context.Context, name string) (*models.Instance, error) {
	var inst models.Instance
	err := r.db.WithContext(ctx).
		Where("name = ? AND status <> ?", name, models.StatusDestroyed).
		First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.Newf(appErr.CodeNotFound, "database %s not found", name)
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "find database by name failed")
	}
	return &inst, nil
}

func (r *instanceRepository) ExistsActiveByName(ctx context.Context, name string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Instance{}).
		Where("name = ? AND status <> ?", name, models.StatusDestroyed).
		Count(&n).Error
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "check database name failed")
	}
	return n > 0, nil
}

func (r *instanceRepository) ListActive(ctx context.Context) ([]models.Instance, error) {
	var out []models.Instance
	err := r.db.WithContext(ctx).
		Where("status <> ?", models.StatusDestroyed).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list databases failed")
	}
	return out, nil
}

func (r *instanceRepository) MaxAllocatedPort(ctx context.Context) (*int, error) {
	var max sql.NullInt64
	err := r.db.WithContext(ctx).Model(&models.Instance{}).
		Select("MAX(port)").
		Row().
		Scan(&max)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "query max port failed")
	}
	if !max.Valid {
		return nil, nil
	}
	port := int(max.Int64)
	return &port, nil
}

func (r *instanceRepository) IsPortHeld(ctx context.Context, port int) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Instance{}).
		Where("port = ? AND status IN ?", port, models.PortHoldingStatuses).
		Count(&n).Error
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "check port failed")
	}
	return n > 0, nil
}

func (r *instanceRepository) Transition(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, patch Patch) (*models.Instance, error) {
	cols := patch.columns()
	cols["status"] = to

	var rows []models.Instance
	res := r.db.WithContext(ctx).Model(&rows).
		Clauses(clause.Returning{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(cols)
	if res.Error != nil {
		return nil, conflictField(translate(res.Error, "update database status failed"))
	}
	if res.RowsAffected == 0 || len(rows) == 0 {
		current, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, preconditionFailed(current, from)
	}
	return &rows[0], nil
}

func (r *instanceRepository) Ping(ctx context.Context) error {
	if err := database.Ping(ctx, r.db); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "store unavailable")
	}
	return nil
}

// conflictField names the violated field on conflict errors.
func conflictField(err error) error {
	if !appErr.IsCode(err, appErr.CodeConflict) {
		return err
	}
	var ae *appErr.AppError
	if !errors.As(err, &ae) {
		return err
	}
	switch appErr.MetaString(err, "constraint") {
	case IndexHeldPort:
		ae.WithMeta("field", FieldPort)
	case IndexActiveName:
		ae.WithMeta("field", FieldName)
	}
	return ae
}

func preconditionFailed(current *models.Instance, from []models.Status) error {
	return appErr.Newf(appErr.CodePrecondition, "database %s is %s", current.Name, current.Status).
		WithMeta("status", string(current.Status)).
		WithMeta("expected", from)
}
