package provisioner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dbstudio/engine/internal/models"
	"github.com/dbstudio/engine/internal/provisioner/compiler"
	"github.com/dbstudio/engine/internal/provisioner/terraform"
	"github.com/dbstudio/engine/internal/vault"
	"github.com/dbstudio/engine/pkg/logger"
)

// Provisioner materializes and tears down database containers. Failures are
// reported through Result, never as errors or panics.
type Provisioner interface {
	// Provision creates the container for a new instance.
	Provision(ctx context.Context, spec Spec) *Result

	// Destroy tears down whatever was applied in workingDir. Strings in
	// redact are masked in the streamed Terraform output.
	Destroy(ctx context.Context, workingDir string, redact ...string) *Result

	// Update recreates an instance under a new name and/or port, keeping its credential.
	Update(ctx context.Context, spec UpdateSpec) *Result

	// WorkingDir is where the files for an instance name are materialized.
	WorkingDir(name string) string
}

type Spec struct {
	Kind          models.Kind
	Name          string
	Port          int
	Version       string
	MemoryLimitMB *int
}

type UpdateSpec struct {
	OldName       string
	NewName       string
	Kind          models.Kind
	Version       string
	MemoryLimitMB *int
	NewPort       int
	// Credential is the existing plaintext secret to reuse.
	Credential    string
	OldWorkingDir string
}

type Result struct {
	Success          bool
	ConnectionString string
	ContainerID      string
	// Credential is the plaintext secret; callers must encrypt before storing.
	Credential   string
	WorkingDir   string
	State        []byte
	ErrorMessage string
}

func failure(workingDir string, err error) *Result {
	return &Result{Success: false, WorkingDir: workingDir, ErrorMessage: err.Error()}
}

// TerraformProvisioner implements Provisioner using Terraform
type TerraformProvisioner struct {
	baseWorkingDir string
	compiler       *compiler.Compiler
	runners        terraform.RunnerFactory
	secrets        func() (string, error)
}

func NewTerraformProvisioner(workingDir string, c *compiler.Compiler, runners terraform.RunnerFactory) *TerraformProvisioner {
	return &TerraformProvisioner{
		baseWorkingDir: workingDir,
		compiler:       c,
		runners:        runners,
		secrets:        vault.GenerateSecret,
	}
}

// WorkingDir is the directory holding the Terraform files for an instance name.
func (t *TerraformProvisioner) WorkingDir(name string) string {
	return filepath.Join(t.baseWorkingDir, name)
}

func (t *TerraformProvisioner) Provision(ctx context.Context, spec Spec) (res *Result) {
	dir := t.WorkingDir(spec.Name)
	defer recoverInto(&res, dir)

	secret, err := t.secrets()
	if err != nil {
		return failure(dir, err)
	}
	return t.apply(ctx, dir, compiler.Input{
		Kind:          spec.Kind,
		Name:          spec.Name,
		Port:          spec.Port,
		Version:       spec.Version,
		MemoryLimitMB: spec.MemoryLimitMB,
		Secret:        secret,
	})
}

func (t *TerraformProvisioner) Destroy(ctx context.Context, workingDir string, redact ...string) (res *Result) {
	defer recoverInto(&res, workingDir)

	if _, err := os.Stat(workingDir); errors.Is(err, os.ErrNotExist) {
		logger.L().Info("working dir absent, nothing to destroy", zap.String("working_dir", workingDir))
		return &Result{Success: true, WorkingDir: workingDir}
	}

	exec := terraform.NewExecutor(workingDir, t.runners, redact...)
	defer exec.Close()

	if !exec.HasState() {
		logger.L().Info("no terraform state, removing working dir", zap.String("working_dir", workingDir))
	} else if err := exec.Destroy(ctx); err != nil {
		logger.L().Error("terraform destroy failed", zap.String("working_dir", workingDir), zap.Error(err))
		return failure(workingDir, err)
	}

	if err := exec.Cleanup(); err != nil {
		logger.L().Warn("remove working dir failed", zap.String("working_dir", workingDir), zap.Error(err))
	}
	return &Result{Success: true, WorkingDir: workingDir}
}

func (t *TerraformProvisioner) Update(ctx context.Context, spec UpdateSpec) (res *Result) {
	dir := t.WorkingDir(spec.NewName)
	defer recoverInto(&res, dir)

	if spec.Credential == "" {
		return failure(dir, errors.New("existing credential is required"))
	}

	logger.L().Info("recreating database",
		zap.String("old_name", spec.OldName),
		zap.String("new_name", spec.NewName),
		zap.Int("port", spec.NewPort),
	)

	// The old container must not keep the port; a failed destroy is tolerated
	// and its directory discarded.
	if old := t.Destroy(ctx, spec.OldWorkingDir, spec.Credential); !old.Success {
		logger.L().Warn("destroy of previous container failed, continuing",
			zap.String("working_dir", spec.OldWorkingDir),
			zap.String("error", old.ErrorMessage),
		)
		if err := os.RemoveAll(spec.OldWorkingDir); err != nil {
			logger.L().Warn("remove old working dir failed", zap.Error(err))
		}
	}

	return t.apply(ctx, dir, compiler.Input{
		Kind:          spec.Kind,
		Name:          spec.NewName,
		Port:          spec.NewPort,
		Version:       spec.Version,
		MemoryLimitMB: spec.MemoryLimitMB,
		Secret:        spec.Credential,
	})
}

// apply renders the configuration into dir, then runs init, apply and output.
func (t *TerraformProvisioner) apply(ctx context.Context, dir string, in compiler.Input) *Result {
	code, err := t.compiler.Compile(in)
	if err != nil {
		return failure(dir, fmt.Errorf("compile: %w", err))
	}

	exec := terraform.NewExecutor(dir, t.runners, in.Secret)
	defer exec.Close()

	if err := exec.Initialize(ctx, code); err != nil {
		logger.L().Error("terraform init failed", zap.String("working_dir", dir), zap.Error(err))
		return failure(dir, err)
	}

	ar, err := exec.Apply(ctx)
	switch {
	case errors.Is(err, terraform.ErrOutputIncomplete):
		logger.L().Warn("terraform outputs incomplete, using computed values", zap.String("working_dir", dir), zap.Error(err))
	case err != nil:
		logger.L().Error("terraform apply failed", zap.String("working_dir", dir), zap.Error(err))
		return failure(dir, err)
	}

	conn := ar.Outputs.ConnectionString
	if conn == "" {
		conn, err = t.compiler.ConnectionString(in.Kind, in.Name, in.Port, in.Secret)
		if err != nil {
			return failure(dir, err)
		}
	}

	logger.L().Info("terraform apply completed",
		zap.String("working_dir", dir),
		zap.String("container_id", ar.Outputs.ContainerID),
	)
	return &Result{
		Success:          true,
		ConnectionString: conn,
		ContainerID:      ar.Outputs.ContainerID,
		Credential:       in.Secret,
		WorkingDir:       dir,
		State:            redactState(ar.State, in.Secret),
	}
}

// redactState masks the secret so the stored snapshot never carries it.
func redactState(state []byte, secret string) []byte {
	if len(state) == 0 || secret == "" {
		return state
	}
	return bytes.ReplaceAll(state, []byte(secret), []byte("***"))
}

func recoverInto(res **Result, dir string) {
	if r := recover(); r != nil {
		logger.L().Error("provisioner panic", zap.Any("panic", r), zap.String("working_dir", dir))
		*res = failure(dir, fmt.Errorf("internal error: %v", r))
	}
}
