package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbstudio/engine/internal/models"
	appErr "github.com/dbstudio/engine/pkg/errors"
)

// memoryRepository keeps instances in process memory and enforces the same
// uniqueness rules as the partial indexes of the Postgres schema.
type memoryRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Instance
	now  func() time.Time
}

// NewMemoryInstanceRepository returns an empty in-memory store.
func NewMemoryInstanceRepository() InstanceRepository {
	return &memoryRepository{rows: map[uuid.UUID]*models.Instance{}, now: time.Now}
}

func (r *memoryRepository) Create(ctx context.Context, inst *models.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	if _, ok := r.rows[inst.ID]; ok {
		return appErr.New(appErr.CodeConflict, "unique constraint violated").WithMeta("field", "id")
	}
	if err := r.checkUnique(inst.ID, inst.Name, inst.Port, inst.Status); err != nil {
		return err
	}
	now := r.now()
	// Strictly increasing timestamps keep newest-first ordering stable.
	for _, row := range r.rows {
		if !now.After(row.CreatedAt) {
			now = row.CreatedAt.Add(time.Microsecond)
		}
	}
	inst.CreatedAt = now
	inst.UpdatedAt = now
	r.rows[inst.ID] = clone(inst)
	return nil
}

func (r *memoryRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, appErr.Newf(appErr.CodeNotFound, "database %s not found", id)
	}
	return clone(row), nil
}

func (r *memoryRepository) FindActiveByName(ctx context.Context, name string) (*models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row := r.activeByName(name); row != nil {
		return clone(row), nil
	}
	return nil, appErr.Newf(appErr.CodeNotFound, "database %s not found", name)
}

func (r *memoryRepository) ExistsActiveByName(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeByName(name) != nil, nil
}

func (r *memoryRepository) ListActive(ctx context.Context) ([]models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Instance, 0, len(r.rows))
	for _, row := range r.rows {
		if row.Status != models.StatusDestroyed {
			out = append(out, *clone(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) MaxAllocatedPort(ctx context.Context) (*int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max *int
	for _, row := range r.rows {
		if max == nil || row.Port > *max {
			p := row.Port
			max = &p
		}
	}
	return max, nil
}

func (r *memoryRepository) IsPortHeld(ctx context.Context, port int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Port == port && row.Status.HoldsPort() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepository) Transition(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, patch Patch) (*models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, appErr.Newf(appErr.CodeNotFound, "database %s not found", id)
	}
	allowed := false
	for _, s := range from {
		if row.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, preconditionFailed(row, from)
	}

	next := clone(row)
	patch.apply(next)
	next.Status = to
	if err := r.checkUnique(id, next.Name, next.Port, next.Status); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now()
	r.rows[id] = next
	return clone(next), nil
}

func (r *memoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *memoryRepository) activeByName(name string) *models.Instance {
	for _, row := range r.rows {
		if row.Name == name && row.Status != models.StatusDestroyed {
			return row
		}
	}
	return nil
}

// checkUnique must be called with mu held.
func (r *memoryRepository) checkUnique(id uuid.UUID, name string, port int, status models.Status) error {
	for _, row := range r.rows {
		if row.ID == id {
			continue
		}
		if status != models.StatusDestroyed && row.Status != models.StatusDestroyed && row.Name == name {
			return appErr.New(appErr.CodeConflict, "unique constraint violated").
				WithMeta("constraint", IndexActiveName).
				WithMeta("field", FieldName)
		}
		if status.HoldsPort() && row.Status.HoldsPort() && row.Port == port {
			return appErr.New(appErr.CodeConflict, "unique constraint violated").
				WithMeta("constraint", IndexHeldPort).
				WithMeta("field", FieldPort)
		}
	}
	return nil
}

func clone(in *models.Instance) *models.Instance {
	out := *in
	if in.MemoryLimitMB != nil {
		v := *in.MemoryLimitMB
		out.MemoryLimitMB = &v
	}
	if in.ContainerID != nil {
		v := *in.ContainerID
		out.ContainerID = &v
	}
	if in.ConnectionString != nil {
		v := *in.ConnectionString
		out.ConnectionString = &v
	}
	if in.EncryptedCredential != nil {
		v := *in.EncryptedCredential
		out.EncryptedCredential = &v
	}
	if in.TerraformState != nil {
		out.TerraformState = append([]byte(nil), in.TerraformState...)
	}
	return &out
}
