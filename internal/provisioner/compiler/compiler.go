package compiler

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/dbstudio/engine/internal/models"
)

const (
	DefaultDockerHost = "unix:///var/run/docker.sock"

	providerSource  = "kreuzwerker/docker"
	providerVersion = "~> 3.0"
	resourceType    = "docker_container"
	resourceName    = "database"

	OutputConnectionString = "connection_string"
	OutputContainerID      = "container_id"

	MinMemoryMB = 128
	MaxMemoryMB = 2048
)

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9-]+$`)
	versionPattern = regexp.MustCompile(`^[0-9][0-9a-zA-Z.-]*$`)
)

// Compiler renders the Terraform configuration for a single database container.
type Compiler struct {
	dockerHost    string
	kindCompilers map[models.Kind]KindCompiler
}

// KindCompiler describes how one engine is run as a container.
type KindCompiler interface {
	Image(version string) string
	DefaultVersion() string
	InternalPort() int
	Env(name, secret string) []string
	Command(secret string) []string
	ConnectionString(name string, port int, secret string) string
}

// Input is everything needed to render one instance.
type Input struct {
	Kind          models.Kind
	Name          string
	Port          int
	Version       string
	MemoryLimitMB *int
	Secret        string
}

type TerraformCode struct {
	ProviderTF []byte
	MainTF     []byte
	OutputsTF  []byte
}

// Files maps file names to contents for writing into a working directory.
func (c *TerraformCode) Files() map[string][]byte {
	return map[string][]byte{
		"provider.tf": c.ProviderTF,
		"main.tf":     c.MainTF,
		"outputs.tf":  c.OutputsTF,
	}
}

func NewCompiler(dockerHost string) *Compiler {
	if dockerHost == "" {
		dockerHost = DefaultDockerHost
	}
	c := &Compiler{
		dockerHost:    dockerHost,
		kindCompilers: make(map[models.Kind]KindCompiler),
	}

	c.RegisterCompiler(models.KindPostgres, postgresCompiler{})
	c.RegisterCompiler(models.KindMySQL, mysqlCompiler{})
	c.RegisterCompiler(models.KindMongoDB, mongoCompiler{})
	c.RegisterCompiler(models.KindRedis, redisCompiler{})
	c.RegisterCompiler(models.KindMariaDB, mariadbCompiler{})

	return c
}

func (c *Compiler) RegisterCompiler(kind models.Kind, kc KindCompiler) {
	c.kindCompilers[kind] = kc
}

func (c *Compiler) lookup(kind models.Kind) (KindCompiler, error) {
	kc, ok := c.kindCompilers[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported database kind: %s", kind)
	}
	return kc, nil
}

// DefaultVersion returns the image tag used when a request names none.
func (c *Compiler) DefaultVersion(kind models.Kind) (string, error) {
	kc, err := c.lookup(kind)
	if err != nil {
		return "", err
	}
	return kc.DefaultVersion(), nil
}

// ConnectionString renders the client URL for an instance.
func (c *Compiler) ConnectionString(kind models.Kind, name string, port int, secret string) (string, error) {
	kc, err := c.lookup(kind)
	if err != nil {
		return "", err
	}
	return kc.ConnectionString(name, port, secret), nil
}

// Validate checks the request-level fields of an input.
func Validate(in Input) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("unsupported database kind: %s", in.Kind)
	}
	if err := ValidateName(in.Name); err != nil {
		return err
	}
	if in.Version != "" && !versionPattern.MatchString(in.Version) {
		return fmt.Errorf("invalid version %q", in.Version)
	}
	if in.MemoryLimitMB != nil && (*in.MemoryLimitMB < MinMemoryMB || *in.MemoryLimitMB > MaxMemoryMB) {
		return fmt.Errorf("memory limit must be between %d and %d MB", MinMemoryMB, MaxMemoryMB)
	}
	return nil
}

func ValidateName(name string) error {
	if name == "" || len(name) > 63 || !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: lowercase letters, digits and hyphens only", name)
	}
	return nil
}

func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// Compile renders provider.tf, main.tf and outputs.tf for in.
func (c *Compiler) Compile(in Input) (*TerraformCode, error) {
	kc, err := c.lookup(in.Kind)
	if err != nil {
		return nil, err
	}
	if err := Validate(in); err != nil {
		return nil, err
	}
	if in.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	version := in.Version
	if version == "" {
		version = kc.DefaultVersion()
	}

	return &TerraformCode{
		ProviderTF: c.generateProvider(),
		MainTF:     generateContainer(kc, in, version),
		OutputsTF:  generateOutputs(kc, in),
	}, nil
}

func (c *Compiler) generateProvider() []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	tf := body.AppendNewBlock("terraform", nil)
	rp := tf.Body().AppendNewBlock("required_providers", nil)
	rp.Body().SetAttributeValue("docker", cty.ObjectVal(map[string]cty.Value{
		"source":  cty.StringVal(providerSource),
		"version": cty.StringVal(providerVersion),
	}))
	body.AppendNewline()

	provider := body.AppendNewBlock("provider", []string{"docker"})
	provider.Body().SetAttributeValue("host", cty.StringVal(c.dockerHost))

	return f.Bytes()
}

func generateContainer(kc KindCompiler, in Input, version string) []byte {
	f := hclwrite.NewEmptyFile()
	res := f.Body().AppendNewBlock("resource", []string{resourceType, resourceName})
	rb := res.Body()

	rb.SetAttributeValue("name", cty.StringVal(in.Name))
	rb.SetAttributeValue("image", cty.StringVal(kc.Image(version)))
	if env := kc.Env(in.Name, in.Secret); len(env) > 0 {
		rb.SetAttributeValue("env", stringList(env))
	}
	if cmd := kc.Command(in.Secret); len(cmd) > 0 {
		rb.SetAttributeValue("command", stringList(cmd))
	}
	if in.MemoryLimitMB != nil {
		rb.SetAttributeValue("memory", cty.NumberIntVal(int64(*in.MemoryLimitMB)))
	}
	rb.AppendNewline()

	ports := rb.AppendNewBlock("ports", nil)
	ports.Body().SetAttributeValue("internal", cty.NumberIntVal(int64(kc.InternalPort())))
	ports.Body().SetAttributeValue("external", cty.NumberIntVal(int64(in.Port)))
	rb.AppendNewline()

	rb.SetAttributeValue("restart", cty.StringVal("unless-stopped"))

	return f.Bytes()
}

func generateOutputs(kc KindCompiler, in Input) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	conn := body.AppendNewBlock("output", []string{OutputConnectionString})
	conn.Body().SetAttributeValue("value", cty.StringVal(kc.ConnectionString(in.Name, in.Port, in.Secret)))
	conn.Body().SetAttributeValue("sensitive", cty.True)
	body.AppendNewline()

	id := body.AppendNewBlock("output", []string{OutputContainerID})
	id.Body().SetAttributeTraversal("value", hcl.Traversal{
		hcl.TraverseRoot{Name: resourceType},
		hcl.TraverseAttr{Name: resourceName},
		hcl.TraverseAttr{Name: "id"},
	})

	return f.Bytes()
}

func stringList(items []string) cty.Value {
	vals := make([]cty.Value, 0, len(items))
	for _, s := range items {
		vals = append(vals, cty.StringVal(s))
	}
	return cty.ListVal(vals)
}
