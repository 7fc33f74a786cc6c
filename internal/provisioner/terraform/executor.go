package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hashicorp/terraform-exec/tfexec"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/dbstudio/engine/internal/provisioner/compiler"
	"github.com/dbstudio/engine/pkg/logger"
)

const stateFile = "terraform.tfstate"

// ErrOutputIncomplete means apply succeeded but an expected output was absent.
var ErrOutputIncomplete = errors.New("terraform output incomplete")

// Runner is the subset of *tfexec.Terraform the executor drives.
type Runner interface {
	Init(ctx context.Context, opts ...tfexec.InitOption) error
	Apply(ctx context.Context, opts ...tfexec.ApplyOption) error
	Destroy(ctx context.Context, opts ...tfexec.DestroyOption) error
	Output(ctx context.Context, opts ...tfexec.OutputOption) (map[string]tfexec.OutputMeta, error)
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
}

// RunnerFactory builds a Runner bound to a working directory.
type RunnerFactory func(workingDir string) (Runner, error)

// NewRunnerFactory returns a factory for the terraform binary at bin, or the
// one found in PATH when bin is empty.
func NewRunnerFactory(bin string) RunnerFactory {
	return func(workingDir string) (Runner, error) {
		path := bin
		if path == "" {
			p, err := exec.LookPath("terraform")
			if err != nil {
				return nil, fmt.Errorf("terraform not found in PATH: %w", err)
			}
			path = p
		}
		tf, err := tfexec.NewTerraform(workingDir, path)
		if err != nil {
			return nil, fmt.Errorf("create terraform executor: %w", err)
		}
		return tf, nil
	}
}

// Executor runs Terraform in one instance's working directory.
type Executor struct {
	workingDir string
	factory    RunnerFactory
	redact     []string
	tf         Runner
	out        *zapio.Writer
}

// NewExecutor prepares an executor. Secrets in redact are masked in the
// streamed command output.
func NewExecutor(workingDir string, factory RunnerFactory, redact ...string) *Executor {
	return &Executor{workingDir: workingDir, factory: factory, redact: redact}
}

func (e *Executor) runner() (Runner, error) {
	if e.tf != nil {
		return e.tf, nil
	}
	tf, err := e.factory(e.workingDir)
	if err != nil {
		return nil, err
	}
	e.out = logger.Writer("terraform", e.redact, zap.String("working_dir", e.workingDir))
	tf.SetStdout(e.out)
	tf.SetStderr(e.out)
	e.tf = tf
	return tf, nil
}

// Initialize writes the configuration files and runs terraform init.
func (e *Executor) Initialize(ctx context.Context, code *compiler.TerraformCode) error {
	if err := os.MkdirAll(e.workingDir, 0o755); err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}
	for filename, content := range code.Files() {
		path := filepath.Join(e.workingDir, filename)
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
	}
	return e.init(ctx)
}

func (e *Executor) init(ctx context.Context) error {
	tf, err := e.runner()
	if err != nil {
		return err
	}
	logger.L().Info("running terraform init", zap.String("working_dir", e.workingDir))
	if err := tf.Init(ctx); err != nil {
		return fmt.Errorf("terraform init: %w", err)
	}
	return nil
}

// Apply runs terraform apply and collects outputs and the state snapshot.
// On ErrOutputIncomplete the returned result still carries whatever outputs
// were present.
func (e *Executor) Apply(ctx context.Context) (*ApplyResult, error) {
	tf, err := e.runner()
	if err != nil {
		return nil, err
	}
	logger.L().Info("running terraform apply", zap.String("working_dir", e.workingDir))
	if err := tf.Apply(ctx); err != nil {
		return nil, fmt.Errorf("terraform apply: %w", err)
	}

	res := &ApplyResult{State: e.readState()}
	raw, err := tf.Output(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrOutputIncomplete, err)
	}
	res.Outputs, err = ParseOutputs(raw)
	return res, err
}

// HasState reports whether a local state file exists, i.e. whether any apply
// ever ran in this directory.
func (e *Executor) HasState() bool {
	_, err := os.Stat(filepath.Join(e.workingDir, stateFile))
	return err == nil
}

// Destroy runs terraform destroy, initializing first if the provider
// plugins are missing.
func (e *Executor) Destroy(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(e.workingDir, ".terraform")); errors.Is(err, os.ErrNotExist) {
		if err := e.init(ctx); err != nil {
			return err
		}
	}
	tf, err := e.runner()
	if err != nil {
		return err
	}
	logger.L().Info("running terraform destroy", zap.String("working_dir", e.workingDir))
	if err := tf.Destroy(ctx); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	return nil
}

// Cleanup removes the working directory.
func (e *Executor) Cleanup() error {
	return os.RemoveAll(e.workingDir)
}

// Close flushes buffered command output.
func (e *Executor) Close() {
	if e.out != nil {
		_ = e.out.Close()
	}
}

func (e *Executor) readState() []byte {
	b, err := os.ReadFile(filepath.Join(e.workingDir, stateFile))
	if err != nil || !json.Valid(b) {
		return nil
	}
	return b
}

type ApplyResult struct {
	Outputs Outputs
	State   []byte
}

// Outputs are the values declared in outputs.tf.
type Outputs struct {
	ConnectionString string
	ContainerID      string
}

// ParseOutputs decodes the outputs map. Missing or non-string values yield
// ErrOutputIncomplete alongside the fields that were present.
func ParseOutputs(raw map[string]tfexec.OutputMeta) (Outputs, error) {
	var out Outputs
	var missing []string
	fields := []struct {
		name string
		dst  *string
	}{
		{compiler.OutputConnectionString, &out.ConnectionString},
		{compiler.OutputContainerID, &out.ContainerID},
	}
	for _, f := range fields {
		name, dst := f.name, f.dst
		meta, ok := raw[name]
		if !ok || json.Unmarshal(meta.Value, dst) != nil || *dst == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("%w: missing %v", ErrOutputIncomplete, missing)
	}
	return out, nil
}
