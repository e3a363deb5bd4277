package env

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cgl-dcc/halyard/pkg/tsv"
)

// Env holds per-project submission defaults, read from a halyardenv
// file. Values fill sample sheet columns left blank.
type Env struct {
	Program    string `yaml:"program,omitempty"`
	Project    string `yaml:"project,omitempty"`
	CenterName string `yaml:"center_name,omitempty"`
}

func New() *Env {
	return new(Env)
}

// Defaults maps the non-empty values to their sheet column names.
func (e *Env) Defaults() map[string]string {
	d := map[string]string{}
	if e.Program != "" {
		d[tsv.ColProgram] = e.Program
	}
	if e.Project != "" {
		d[tsv.ColProject] = e.Project
	}
	if e.CenterName != "" {
		d[tsv.ColCenterName] = e.CenterName
	}
	return d
}

// LoadEnv reads a halyardenv file. A missing file yields an empty Env
// without error; running without one is normal.
func LoadEnv(filepath string) (*Env, error) {
	env := Env{}

	content, err := os.ReadFile(filepath)
	if err != nil {
		return &env, nil
	}

	if err := yaml.Unmarshal(content, &env); err != nil {
		return nil, err
	}

	return &env, nil
}
