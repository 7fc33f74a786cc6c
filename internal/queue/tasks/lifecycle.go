package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dbstudio/engine/internal/lifecycle"
	"github.com/dbstudio/engine/internal/models"
	"github.com/dbstudio/engine/internal/provisioner"
	"github.com/dbstudio/engine/internal/queue"
	"github.com/dbstudio/engine/internal/repository"
	"github.com/dbstudio/engine/internal/runtime"
	"github.com/dbstudio/engine/internal/vault"
	appErr "github.com/dbstudio/engine/pkg/errors"
	"github.com/dbstudio/engine/pkg/logger"
)

// LifecycleHandler executes the background half of every lifecycle operation
// and writes the resulting status.
type LifecycleHandler struct {
	repo    repository.InstanceRepository
	prov    provisioner.Provisioner
	rt      runtime.Runtime
	vault   *vault.Vault
	timeout time.Duration
	locks   *keyedMutex
}

func NewLifecycleHandler(repo repository.InstanceRepository, prov provisioner.Provisioner, rt runtime.Runtime, v *vault.Vault, timeout time.Duration) *LifecycleHandler {
	return &LifecycleHandler{repo: repo, prov: prov, rt: rt, vault: v, timeout: timeout, locks: newKeyedMutex()}
}

// Register binds every lifecycle task type on mux.
func (h *LifecycleHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeProvision, h.HandleProvision)
	mux.HandleFunc(queue.TypeUpdate, h.HandleUpdate)
	mux.HandleFunc(queue.TypeDestroy, h.HandleDestroy)
	mux.HandleFunc(queue.TypeStop, h.HandleStop)
	mux.HandleFunc(queue.TypeStart, h.HandleStart)
}

// step performs the external work of a task. The returned patch is written
// on both edges; on failure it is merged with last_error.
type step func(ctx context.Context, inst *models.Instance, p queue.Payload) (repository.Patch, error)

func (h *LifecycleHandler) HandleProvision(ctx context.Context, t *asynq.Task) error {
	return h.run(ctx, t, lifecycle.EventProvisionComplete, h.provision)
}

func (h *LifecycleHandler) HandleUpdate(ctx context.Context, t *asynq.Task) error {
	return h.run(ctx, t, lifecycle.EventUpdateComplete, h.update)
}

func (h *LifecycleHandler) HandleDestroy(ctx context.Context, t *asynq.Task) error {
	return h.run(ctx, t, lifecycle.EventDestroyComplete, h.destroy)
}

func (h *LifecycleHandler) HandleStop(ctx context.Context, t *asynq.Task) error {
	return h.run(ctx, t, lifecycle.EventStopComplete, h.stop)
}

func (h *LifecycleHandler) HandleStart(ctx context.Context, t *asynq.Task) error {
	return h.run(ctx, t, lifecycle.EventStartComplete, h.start)
}

func (h *LifecycleHandler) run(ctx context.Context, t *asynq.Task, event lifecycle.Event, fn step) error {
	p, id, err := queue.ParsePayload(t)
	if err != nil {
		logger.L().Error("invalid task payload", zap.String("type", t.Type()), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := logger.L().With(zap.String("type", t.Type()), zap.String("instance_id", id.String()))

	unlock := h.locks.Lock(id)
	defer unlock()

	inst, err := h.repo.FindByID(ctx, id)
	if err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			log.Warn("instance vanished, dropping task")
			return nil
		}
		log.Error("load instance failed", zap.Error(err))
		return fmt.Errorf("load instance %s: %w", id, err)
	}

	tr := lifecycle.Lookup(event)
	if !tr.Allows(inst.Status) {
		log.Info("instance no longer awaits this task, skipping", zap.String("status", string(inst.Status)))
		return nil
	}
	log.Info("handling task", zap.String("name", inst.Name))

	taskCtx, cancel := context.WithTimeout(ctx, h.timeout)
	patch, stepErr := h.call(taskCtx, fn, inst, p)
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)
	cancel()

	if stepErr == nil && !timedOut {
		empty := ""
		patch.LastError = &empty
		return h.complete(ctx, log, id, tr, true, patch)
	}

	msg := "operation failed"
	if stepErr != nil {
		msg = stepErr.Error()
	}
	if timedOut {
		msg = fmt.Sprintf("timed out after %s: %s", h.timeout, msg)
	}
	log.Error("task failed", zap.String("error", msg))
	patch.LastError = &msg
	// The failure must be recorded even when the caller's context is gone.
	return h.complete(context.WithoutCancel(ctx), log, id, tr, false, patch)
}

// call runs fn, turning a panic into an error.
func (h *LifecycleHandler) call(ctx context.Context, fn step, inst *models.Instance, p queue.Payload) (patch repository.Patch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, inst, p)
}

func (h *LifecycleHandler) complete(ctx context.Context, log *zap.Logger, id uuid.UUID, tr lifecycle.Transition, ok bool, patch repository.Patch) error {
	to := tr.Target(ok)
	if _, err := h.repo.Transition(ctx, id, tr.From, to, patch); err != nil {
		if appErr.IsCode(err, appErr.CodePrecondition) {
			log.Warn("status changed underneath task, result dropped", zap.Error(err))
			return nil
		}
		log.Error("write final status failed", zap.String("to", string(to)), zap.Error(err))
		return fmt.Errorf("write status %s: %w: %w", to, err, asynq.SkipRetry)
	}
	log.Info("task completed", zap.String("status", string(to)))
	return nil
}

func (h *LifecycleHandler) provision(ctx context.Context, inst *models.Instance, _ queue.Payload) (repository.Patch, error) {
	res := h.prov.Provision(ctx, provisioner.Spec{
		Kind:          inst.Kind,
		Name:          inst.Name,
		Port:          inst.Port,
		Version:       inst.Version,
		MemoryLimitMB: inst.MemoryLimitMB,
	})
	patch := repository.Patch{WorkingDir: nonEmpty(res.WorkingDir)}
	if !res.Success {
		return patch, errors.New(res.ErrorMessage)
	}
	enc, err := h.vault.Encrypt(res.Credential)
	if err != nil {
		return patch, fmt.Errorf("encrypt credential: %w", err)
	}
	patch.EncryptedCredential = &enc
	patch.ContainerID = nonEmpty(res.ContainerID)
	patch.ConnectionString = nonEmpty(res.ConnectionString)
	patch.TerraformState = res.State
	return patch, nil
}

func (h *LifecycleHandler) update(ctx context.Context, inst *models.Instance, p queue.Payload) (repository.Patch, error) {
	if inst.EncryptedCredential == nil {
		return repository.Patch{}, errors.New("no stored credential to carry over")
	}
	secret, err := h.vault.Decrypt(*inst.EncryptedCredential)
	if err != nil {
		return repository.Patch{}, err
	}
	oldDir := p.OldWorkingDir
	if oldDir == "" {
		oldDir = h.prov.WorkingDir(p.OldName)
	}
	res := h.prov.Update(ctx, provisioner.UpdateSpec{
		OldName:       p.OldName,
		NewName:       inst.Name,
		Kind:          inst.Kind,
		Version:       inst.Version,
		MemoryLimitMB: inst.MemoryLimitMB,
		NewPort:       inst.Port,
		Credential:    secret,
		OldWorkingDir: oldDir,
	})
	patch := repository.Patch{WorkingDir: nonEmpty(res.WorkingDir)}
	if !res.Success {
		return patch, errors.New(res.ErrorMessage)
	}
	patch.ContainerID = nonEmpty(res.ContainerID)
	patch.ConnectionString = nonEmpty(res.ConnectionString)
	patch.TerraformState = res.State
	return patch, nil
}

func (h *LifecycleHandler) destroy(ctx context.Context, inst *models.Instance, _ queue.Payload) (repository.Patch, error) {
	dir := inst.WorkingDir
	if dir == "" {
		dir = h.prov.WorkingDir(inst.Name)
	}
	res := h.prov.Destroy(ctx, dir, h.secretOf(inst)...)
	if !res.Success {
		return repository.Patch{}, errors.New(res.ErrorMessage)
	}
	return repository.Patch{}, nil
}

// secretOf returns the decrypted credential for log redaction, or nothing
// when the instance has none or it cannot be opened.
func (h *LifecycleHandler) secretOf(inst *models.Instance) []string {
	if inst.EncryptedCredential == nil {
		return nil
	}
	secret, err := h.vault.Decrypt(*inst.EncryptedCredential)
	if err != nil {
		logger.L().Warn("credential unreadable, terraform output not redacted",
			zap.String("instance_id", inst.ID.String()), zap.Error(err))
		return nil
	}
	return []string{secret}
}

func (h *LifecycleHandler) stop(ctx context.Context, inst *models.Instance, _ queue.Payload) (repository.Patch, error) {
	if !inst.HasContainer() {
		return repository.Patch{}, errors.New("no container recorded")
	}
	return repository.Patch{}, h.rt.Stop(ctx, *inst.ContainerID)
}

func (h *LifecycleHandler) start(ctx context.Context, inst *models.Instance, _ queue.Payload) (repository.Patch, error) {
	if !inst.HasContainer() {
		return repository.Patch{}, errors.New("no container recorded")
	}
	return repository.Patch{}, h.rt.Start(ctx, *inst.ContainerID)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
