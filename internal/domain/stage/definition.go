package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// StageDefinition is one stage entry in a pipeline definition file.
type StageDefinition struct {
	Command []string               `yaml:"command" toml:"command"`
	Env     map[string]string      `yaml:"env" toml:"env"`
	Dir     string                 `yaml:"dir" toml:"dir"`
	Timeout string                 `yaml:"timeout" toml:"timeout"`
	TTY     bool                   `yaml:"tty" toml:"tty"`
	Inputs  []string               `yaml:"inputs" toml:"inputs"`
	Outputs []string               `yaml:"outputs" toml:"outputs"`
	Params  map[string]interface{} `yaml:"params" toml:"params"`
}

// Definition is the pipeline definition file:
//
//	name: nightly
//	workdir: /srv/pipeline
//	stages:
//	  translator:
//	    command: ["./translate", "--strict"]
//	    inputs: ["incoming/**/*.csv"]
//	    outputs: ["work/translated/*.json"]
//	    timeout: 30m
//	  analyzer: ...
//	  merger: ...
type Definition struct {
	Name    string                     `yaml:"name" toml:"name"`
	Workdir string                     `yaml:"workdir" toml:"workdir"`
	Stages  map[string]StageDefinition `yaml:"stages" toml:"stages"`

	source string
}

// Source returns the file the definition was loaded from.
func (d *Definition) Source() string {
	return d.source
}

// LoadDefinition reads a YAML (.yaml, .yml) or TOML (.toml) definition.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	def, err := ParseDefinition(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.source = path
	if def.Workdir == "" {
		def.Workdir = filepath.Dir(path)
	} else if !filepath.IsAbs(def.Workdir) {
		def.Workdir = filepath.Join(filepath.Dir(path), def.Workdir)
	}
	return def, nil
}

// ParseDefinition decodes a definition in the format named by ext.
func ParseDefinition(data []byte, ext string) (*Definition, error) {
	var def Definition
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported definition format %q", ext)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks that exactly the three stages are defined with commands,
// parseable timeouts and bounded params.
func (d *Definition) Validate() error {
	for key := range d.Stages {
		if _, err := ParseName(key); err != nil {
			return err
		}
	}
	for _, name := range order {
		sd, ok := d.Stages[string(name)]
		if !ok {
			return fmt.Errorf("stage %s is not defined", name)
		}
		if len(sd.Command) == 0 || sd.Command[0] == "" {
			return fmt.Errorf("stage %s: command is required", name)
		}
		if _, err := sd.timeout(); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
		if err := utils.ValidateParams(sd.Params); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return nil
}

func (sd StageDefinition) timeout() (time.Duration, error) {
	if sd.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(sd.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", sd.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", sd.Timeout)
	}
	return d, nil
}

// Build turns the definition into a registry of command collaborators.
// defaultTimeout applies to stages that set none.
func (d *Definition) Build(defaultTimeout time.Duration, logger *zap.Logger) (*Registry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	reg := NewRegistry()
	for _, name := range order {
		sd := d.Stages[string(name)]
		timeout, _ := sd.timeout()
		if timeout == 0 {
			timeout = defaultTimeout
		}
		dir := sd.Dir
		switch {
		case dir == "":
			dir = d.Workdir
		case !filepath.IsAbs(dir) && d.Workdir != "":
			dir = filepath.Join(d.Workdir, dir)
		}
		cmd := NewCommand(name, CommandSpec{
			Argv:    append([]string(nil), sd.Command...),
			Env:     sd.Env,
			Dir:     dir,
			Timeout: timeout,
			TTY:     sd.TTY,
			Inputs:  sd.Inputs,
			Outputs: sd.Outputs,
		}, logger)
		if err := reg.Register(cmd, sd.Params); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
