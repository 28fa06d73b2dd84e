package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ConfigError reports an invalid or unreadable configuration. File is the
// path of the offending file when the problem can be pinned to one source;
// it is empty for cross-source validation failures on the merged result.
type ConfigError struct {
	File string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("config %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionConfig holds the SSH connection settings.
type ConnectionConfig struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	User    string `yaml:"user" json:"user"`
	KeyFile string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
}

// SlurmConfig holds scheduler-level options. ExtraFlags is an opaque
// ordered pass-through: each entry becomes one directive verbatim.
type SlurmConfig struct {
	Partition  string   `yaml:"partition,omitempty" json:"partition,omitempty"`
	Account    string   `yaml:"account,omitempty" json:"account,omitempty"`
	QOS        string   `yaml:"qos,omitempty" json:"qos,omitempty"`
	Constraint string   `yaml:"constraint,omitempty" json:"constraint,omitempty"`
	Array      string   `yaml:"array,omitempty" json:"array,omitempty"`
	Dependency string   `yaml:"dependency,omitempty" json:"dependency,omitempty"`
	ExtraFlags []string `yaml:"extra_flags,omitempty" json:"extra_flags,omitempty"`
}

// ResourceConfig holds the resource request for one job.
type ResourceConfig struct {
	Nodes   int    `yaml:"nodes" json:"nodes"`
	CPUs    int    `yaml:"cpus" json:"cpus"`
	Memory  string `yaml:"memory" json:"memory"`
	GPUs    int    `yaml:"gpus" json:"gpus"`
	GPUType string `yaml:"gpu_type,omitempty" json:"gpu_type,omitempty"`
	Time    string `yaml:"time" json:"time"`
}

// GitConfig selects the code version to stage. Empty fields are filled
// from the local working copy at submission time.
type GitConfig struct {
	RepoURL string `yaml:"repo_url,omitempty" json:"repo_url,omitempty"`
	Branch  string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Commit  string `yaml:"commit,omitempty" json:"commit,omitempty"`
}

// ExecutionConfig describes what the job runs. Exactly one of Command or
// Script must be set.
type ExecutionConfig struct {
	Command    string            `yaml:"command,omitempty" json:"command,omitempty"`
	Script     string            `yaml:"script,omitempty" json:"script,omitempty"`
	WorkingDir string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Setup      string            `yaml:"setup,omitempty" json:"setup,omitempty"`
	Teardown   string            `yaml:"teardown,omitempty" json:"teardown,omitempty"`
}

// OutputConfig controls log placement and post-completion handling.
type OutputConfig struct {
	Stdout  string   `yaml:"stdout" json:"stdout"`
	Stderr  string   `yaml:"stderr" json:"stderr"`
	Fetch   []string `yaml:"fetch,omitempty" json:"fetch,omitempty"`
	Cleanup bool     `yaml:"cleanup" json:"cleanup"`
}

// Config is the fully resolved job configuration. Instances handed out by
// Resolve have passed validation as a whole; downstream components treat
// them as immutable.
type Config struct {
	Name       string           `yaml:"name" json:"name"`
	Connection ConnectionConfig `yaml:"connection" json:"connection"`
	Slurm      SlurmConfig      `yaml:"slurm" json:"slurm"`
	Resources  ResourceConfig   `yaml:"resources" json:"resources"`
	Git        GitConfig        `yaml:"git" json:"git"`
	Execution  ExecutionConfig  `yaml:"execution" json:"execution"`
	Output     OutputConfig     `yaml:"output" json:"output"`
	Tags       []string         `yaml:"tags,omitempty" json:"tags,omitempty"`
}

var (
	memoryPattern = regexp.MustCompile(`^\d+[GMK]?$`)
	timePattern   = regexp.MustCompile(`^(\d+-)?\d+(:\d{2}){0,2}$`)
)

// applyDefaults fills zero-valued fields with defaults before validation.
func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "myjob"
	}
	if cfg.Connection.Port == 0 {
		cfg.Connection.Port = 22
	}
	if cfg.Resources.Nodes == 0 {
		cfg.Resources.Nodes = 1
	}
	if cfg.Resources.CPUs == 0 {
		cfg.Resources.CPUs = 1
	}
	if cfg.Resources.Memory == "" {
		cfg.Resources.Memory = "4G"
	}
	if cfg.Resources.Time == "" {
		cfg.Resources.Time = "1:00:00"
	}
	if cfg.Output.Stdout == "" {
		cfg.Output.Stdout = "stdout_%j.log"
	}
	if cfg.Output.Stderr == "" {
		cfg.Output.Stderr = "stderr_%j.log"
	}
}

// Validate checks the configuration as a whole and normalizes the memory
// string to its canonical form. It must be called on the merged result,
// never on an individual source.
func (cfg *Config) Validate() error {
	if cfg.Connection.Host == "" {
		return &ConfigError{Err: fmt.Errorf("connection.host is required")}
	}
	if cfg.Connection.User == "" {
		return &ConfigError{Err: fmt.Errorf("connection.user is required")}
	}
	if cfg.Connection.Port <= 0 || cfg.Connection.Port > 65535 {
		return &ConfigError{Err: fmt.Errorf("connection.port %d is out of range", cfg.Connection.Port)}
	}

	if cfg.Resources.Nodes < 1 {
		return &ConfigError{Err: fmt.Errorf("resources.nodes must be >= 1, got %d", cfg.Resources.Nodes)}
	}
	if cfg.Resources.CPUs < 1 {
		return &ConfigError{Err: fmt.Errorf("resources.cpus must be >= 1, got %d", cfg.Resources.CPUs)}
	}
	if cfg.Resources.GPUs < 0 {
		return &ConfigError{Err: fmt.Errorf("resources.gpus must be >= 0, got %d", cfg.Resources.GPUs)}
	}

	mem, err := NormalizeMemory(cfg.Resources.Memory)
	if err != nil {
		return &ConfigError{Err: err}
	}
	cfg.Resources.Memory = mem

	if !timePattern.MatchString(cfg.Resources.Time) {
		return &ConfigError{Err: fmt.Errorf("resources.time %q is not a valid time limit", cfg.Resources.Time)}
	}

	hasCommand := strings.TrimSpace(cfg.Execution.Command) != ""
	hasScript := strings.TrimSpace(cfg.Execution.Script) != ""
	if hasCommand == hasScript {
		return &ConfigError{Err: fmt.Errorf("exactly one of execution.command or execution.script must be set")}
	}

	for i, f := range cfg.Slurm.ExtraFlags {
		if strings.TrimSpace(f) == "" {
			return &ConfigError{Err: fmt.Errorf("slurm.extra_flags[%d] is empty", i)}
		}
	}

	return nil
}

// NormalizeMemory validates a memory request against <digits><G|M|K|''>
// and returns the canonical form: uppercase unit, bare digits treated as
// megabytes (sinfo's native unit).
func NormalizeMemory(mem string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(mem))
	if !memoryPattern.MatchString(m) {
		return "", fmt.Errorf("resources.memory %q does not match <digits><G|M|K>", mem)
	}
	last := m[len(m)-1]
	if last >= '0' && last <= '9' {
		m += "M"
	}
	return m, nil
}
