package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbstudio/engine/internal/allocator"
	"github.com/dbstudio/engine/internal/lifecycle"
	"github.com/dbstudio/engine/internal/models"
	"github.com/dbstudio/engine/internal/provisioner"
	"github.com/dbstudio/engine/internal/provisioner/compiler"
	"github.com/dbstudio/engine/internal/queue"
	"github.com/dbstudio/engine/internal/repository"
	"github.com/dbstudio/engine/internal/runtime"
	"github.com/dbstudio/engine/internal/vault"
	appErr "github.com/dbstudio/engine/pkg/errors"
	"github.com/dbstudio/engine/pkg/logger"
)

const (
	DefaultLogTail = 100
	MaxLogTail     = 10000
)

// InstanceService is the synchronous half of the lifecycle: it validates a
// request, records the intent with a conditional status write and hands the
// rest to a background task.
type InstanceService interface {
	Create(ctx context.Context, in *CreateInstanceInput) (*InstanceView, error)
	List(ctx context.Context) ([]InstanceView, error)
	Get(ctx context.Context, id uuid.UUID) (*InstanceView, error)
	Update(ctx context.Context, name string, in *UpdateInstanceInput) (*InstanceView, error)
	Destroy(ctx context.Context, id uuid.UUID) (*InstanceView, error)
	Stop(ctx context.Context, id uuid.UUID) (*InstanceView, error)
	Start(ctx context.Context, id uuid.UUID) (*InstanceView, error)
	Logs(ctx context.Context, id uuid.UUID, tail int, filter string) ([]string, error)
	Inspect(ctx context.Context, id uuid.UUID) (*runtime.Inspection, error)
	Ping(ctx context.Context) error
}

type CreateInstanceInput struct {
	Name          string
	Kind          models.Kind
	Version       string
	Port          *int
	MemoryLimitMB *int
}

type UpdateInstanceInput struct {
	// Name must match the instance addressed by the path when set.
	Name          string
	NewName       *string
	Port          *int
	MemoryLimitMB *int
}

// InstanceView is the client-facing representation of an instance.
type InstanceView struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	Kind             models.Kind   `json:"kind"`
	Version          string        `json:"version"`
	Port             int           `json:"port"`
	Status           models.Status `json:"status"`
	MemoryLimitMB    *int          `json:"memory_limit_mb,omitempty"`
	ContainerID      *string       `json:"container_id,omitempty"`
	ConnectionString *string       `json:"connection_string,omitempty"`
	Password         *string       `json:"password,omitempty"`
	WorkingDir       string        `json:"working_dir,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type instanceService struct {
	repo       repository.InstanceRepository
	compiler   *compiler.Compiler
	prov       provisioner.Provisioner
	rt         runtime.Runtime
	vault      *vault.Vault
	dispatcher queue.Dispatcher
}

func NewInstanceService(repo repository.InstanceRepository, c *compiler.Compiler, prov provisioner.Provisioner, rt runtime.Runtime, v *vault.Vault, d queue.Dispatcher) InstanceService {
	return &instanceService{repo: repo, compiler: c, prov: prov, rt: rt, vault: v, dispatcher: d}
}

func (s *instanceService) Create(ctx context.Context, in *CreateInstanceInput) (*InstanceView, error) {
	if err := compiler.Validate(compiler.Input{Kind: in.Kind, Name: in.Name, Version: in.Version, MemoryLimitMB: in.MemoryLimitMB}); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, err.Error())
	}
	version := in.Version
	if version == "" {
		v, err := s.compiler.DefaultVersion(in.Kind)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInvalid, err.Error())
		}
		version = v
	}

	if err := s.checkNameFree(ctx, in.Name); err != nil {
		return nil, err
	}

	var port int
	if in.Port != nil {
		port = *in.Port
		if err := allocator.CheckAvailable(ctx, s.repo, port); err != nil {
			return nil, err
		}
	} else {
		maxPort, err := s.repo.MaxAllocatedPort(ctx)
		if err != nil {
			return nil, err
		}
		port, err = allocator.NextPort(in.Kind, maxPort)
		if err != nil {
			return nil, err
		}
		if err := allocator.CheckHeld(ctx, s.repo, port); err != nil {
			return nil, err
		}
	}

	inst := &models.Instance{
		ID:            uuid.New(),
		Name:          in.Name,
		Kind:          in.Kind,
		Version:       version,
		MemoryLimitMB: in.MemoryLimitMB,
		Port:          port,
		Status:        models.StatusProvisioning,
		WorkingDir:    s.prov.WorkingDir(in.Name),
	}
	if err := s.repo.Create(ctx, inst); err != nil {
		return nil, reservationError(err, in.Name, port)
	}
	logger.L().Info("database accepted",
		zap.String("instance_id", inst.ID.String()),
		zap.String("name", inst.Name),
		zap.String("kind", string(inst.Kind)),
		zap.Int("port", inst.Port),
	)

	if err := s.dispatch(ctx, inst.ID, queue.TypeProvision, lifecycle.EventProvisionComplete, queue.Payload{InstanceID: inst.ID.String()}); err != nil {
		return nil, err
	}
	return s.view(inst), nil
}

func (s *instanceService) List(ctx context.Context) ([]InstanceView, error) {
	rows, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceView, 0, len(rows))
	for i := range rows {
		out = append(out, *s.view(&rows[i]))
	}
	return out, nil
}

func (s *instanceService) Get(ctx context.Context, id uuid.UUID) (*InstanceView, error) {
	inst, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(inst), nil
}

func (s *instanceService) Update(ctx context.Context, name string, in *UpdateInstanceInput) (*InstanceView, error) {
	if in.Name != "" && in.Name != name {
		return nil, appErr.Newf(appErr.CodeInvalid, "name %q in body does not match %q", in.Name, name).WithMeta("field", "name")
	}
	inst, err := s.repo.FindActiveByName(ctx, name)
	if err != nil {
		return nil, err
	}
	tr := lifecycle.Lookup(lifecycle.EventUpdateRequested)
	if !tr.Allows(inst.Status) {
		return nil, appErr.Newf(appErr.CodePrecondition, "database %s is %s, stop it before updating", inst.Name, inst.Status).
			WithMeta("status", string(inst.Status))
	}
	if in.MemoryLimitMB != nil && (inst.MemoryLimitMB == nil || *inst.MemoryLimitMB != *in.MemoryLimitMB) {
		return nil, appErr.New(appErr.CodeInvalid, "memory limit cannot be changed").WithMeta("field", "memory_limit_mb")
	}

	newName, newPort := inst.Name, inst.Port
	if in.NewName != nil {
		newName = *in.NewName
	}
	if in.Port != nil {
		newPort = *in.Port
	}
	nameChanged, portChanged := newName != inst.Name, newPort != inst.Port
	if !nameChanged && !portChanged {
		logger.L().Info("update without changes", zap.String("name", inst.Name))
		return s.view(inst), nil
	}

	if nameChanged {
		if err := compiler.ValidateName(newName); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInvalid, err.Error()).WithMeta("field", "name")
		}
		if err := s.checkNameFree(ctx, newName); err != nil {
			return nil, err
		}
	}
	if portChanged {
		if err := allocator.CheckAvailable(ctx, s.repo, newPort); err != nil {
			return nil, err
		}
	}

	// The new name and port are reserved now; the old container is torn
	// down by the task.
	updated, err := s.repo.Transition(ctx, inst.ID, tr.From, tr.Success, repository.Patch{Name: &newName, Port: &newPort})
	if err != nil {
		return nil, reservationError(err, newName, newPort)
	}
	logger.L().Info("database update accepted",
		zap.String("instance_id", inst.ID.String()),
		zap.String("old_name", inst.Name),
		zap.String("new_name", newName),
		zap.Int("old_port", inst.Port),
		zap.Int("new_port", newPort),
	)

	p := queue.Payload{InstanceID: inst.ID.String(), OldName: inst.Name, OldWorkingDir: inst.WorkingDir}
	if err := s.dispatch(ctx, inst.ID, queue.TypeUpdate, lifecycle.EventUpdateComplete, p); err != nil {
		return nil, err
	}
	return s.view(updated), nil
}

func (s *instanceService) Destroy(ctx context.Context, id uuid.UUID) (*InstanceView, error) {
	return s.request(ctx, id, lifecycle.EventDestroyRequested, lifecycle.EventDestroyComplete, queue.TypeDestroy, false)
}

func (s *instanceService) Stop(ctx context.Context, id uuid.UUID) (*InstanceView, error) {
	return s.request(ctx, id, lifecycle.EventStopRequested, lifecycle.EventStopComplete, queue.TypeStop, true)
}

func (s *instanceService) Start(ctx context.Context, id uuid.UUID) (*InstanceView, error) {
	return s.request(ctx, id, lifecycle.EventStartRequested, lifecycle.EventStartComplete, queue.TypeStart, true)
}

// request moves an instance along a request edge and schedules the task that
// completes it.
func (s *instanceService) request(ctx context.Context, id uuid.UUID, requested, completed lifecycle.Event, taskType string, needsContainer bool) (*InstanceView, error) {
	if needsContainer {
		inst, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !inst.HasContainer() {
			return nil, appErr.Newf(appErr.CodePrecondition, "database %s has no container", inst.Name)
		}
	}

	tr := lifecycle.Lookup(requested)
	inst, err := s.repo.Transition(ctx, id, tr.From, tr.Success, repository.Patch{})
	if err != nil {
		if appErr.IsCode(err, appErr.CodeConflict) {
			// Only start can collide: a stopped instance does not hold its port.
			if cur, ferr := s.repo.FindByID(ctx, id); ferr == nil {
				return nil, reservationError(err, cur.Name, cur.Port)
			}
		}
		return nil, err
	}
	logger.L().Info("database request accepted",
		zap.String("instance_id", id.String()),
		zap.String("task", taskType),
		zap.String("status", string(inst.Status)),
	)

	if err := s.dispatch(ctx, id, taskType, completed, queue.Payload{InstanceID: id.String()}); err != nil {
		return nil, err
	}
	return s.view(inst), nil
}

func (s *instanceService) Logs(ctx context.Context, id uuid.UUID, tail int, filter string) ([]string, error) {
	if tail < 0 || tail > MaxLogTail {
		return nil, appErr.Newf(appErr.CodeInvalid, "tail must be between 0 and %d", MaxLogTail).WithMeta("field", "tail")
	}
	inst, err := s.runningContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.rt.Logs(ctx, *inst.ContainerID, tail, filter)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "failed to read container logs")
	}
	return lines, nil
}

func (s *instanceService) Inspect(ctx context.Context, id uuid.UUID) (*runtime.Inspection, error) {
	inst, err := s.runningContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	var redact []string
	if inst.EncryptedCredential != nil {
		if plain, err := s.vault.Decrypt(*inst.EncryptedCredential); err == nil {
			redact = append(redact, plain)
		}
	}
	info, err := s.rt.Inspect(ctx, *inst.ContainerID, redact...)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "failed to inspect container")
	}
	return info, nil
}

func (s *instanceService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *instanceService) runningContainer(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	inst, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.StatusRunning {
		return nil, appErr.Newf(appErr.CodePrecondition, "database %s is %s, not running", inst.Name, inst.Status).
			WithMeta("status", string(inst.Status))
	}
	if !inst.HasContainer() {
		return nil, appErr.Newf(appErr.CodePrecondition, "database %s has no container", inst.Name)
	}
	return inst, nil
}

func (s *instanceService) checkNameFree(ctx context.Context, name string) error {
	exists, err := s.repo.ExistsActiveByName(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nameInUse(name)
	}
	return nil
}

// dispatch schedules a task. When that fails the intent is already recorded,
// so the instance is moved along the failure edge of the completion event.
func (s *instanceService) dispatch(ctx context.Context, id uuid.UUID, taskType string, completed lifecycle.Event, p queue.Payload) error {
	task, err := queue.NewTask(taskType, p)
	if err == nil {
		err = s.dispatcher.Dispatch(ctx, task)
	}
	if err == nil {
		return nil
	}

	logger.L().Error("dispatch failed", zap.String("instance_id", id.String()), zap.String("task", taskType), zap.Error(err))
	tr := lifecycle.Lookup(completed)
	msg := "dispatch failed: " + err.Error()
	if _, terr := s.repo.Transition(context.WithoutCancel(ctx), id, tr.From, tr.Failure, repository.Patch{LastError: &msg}); terr != nil {
		logger.L().Error("rollback after dispatch failure failed", zap.String("instance_id", id.String()), zap.Error(terr))
	}
	return appErr.Wrap(err, appErr.CodeInternal, "failed to schedule "+taskType)
}

// view assembles the response representation. A credential that cannot be
// decrypted is left out.
func (s *instanceService) view(inst *models.Instance) *InstanceView {
	v := &InstanceView{
		ID:               inst.ID,
		Name:             inst.Name,
		Kind:             inst.Kind,
		Version:          inst.Version,
		Port:             inst.Port,
		Status:           inst.Status,
		MemoryLimitMB:    inst.MemoryLimitMB,
		ContainerID:      inst.ContainerID,
		ConnectionString: inst.ConnectionString,
		WorkingDir:       inst.WorkingDir,
		LastError:        inst.LastError,
		CreatedAt:        inst.CreatedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
	if inst.EncryptedCredential != nil {
		plain, err := s.vault.Decrypt(*inst.EncryptedCredential)
		if err != nil {
			logger.L().Warn("failed to decrypt credential", zap.String("instance_id", inst.ID.String()), zap.Error(err))
		} else {
			v.Password = &plain
		}
	}
	return v
}

func nameInUse(name string) error {
	return appErr.Newf(appErr.CodeInvalid, "database name %s is already in use", name).WithMeta("field", "name")
}

// reservationError reports a store uniqueness violation as the validation
// error for the field it names.
func reservationError(err error, name string, port int) error {
	if !appErr.IsCode(err, appErr.CodeConflict) {
		return err
	}
	switch appErr.MetaString(err, "field") {
	case repository.FieldPort:
		return allocator.PortInUse(port)
	case repository.FieldName:
		return nameInUse(name)
	}
	return appErr.Wrap(err, appErr.CodeInvalid, "database conflicts with an existing one")
}
