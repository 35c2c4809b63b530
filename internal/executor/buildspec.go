// Package executor runs the commands of a buildspec on the local host.
package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/buildengine/internal/models"
)

// DefaultBuildspecPath is read when a source does not name a buildspec.
const DefaultBuildspecPath = "buildspec.yml"

// ErrUnsupportedVersion is returned for buildspec versions other than 0.1 and 0.2.
var ErrUnsupportedVersion = errors.New("unsupported buildspec version")

// Buildspec is the build definition checked in with a source.
type Buildspec struct {
	Version   string                `yaml:"version"`
	Env       BuildspecEnv          `yaml:"env"`
	Phases    map[string]PhaseSpec  `yaml:"phases"`
	Artifacts ArtifactsSpec         `yaml:"artifacts"`
	Reports   map[string]ReportSpec `yaml:"reports"`
}

// BuildspecEnv declares variables for every command.
type BuildspecEnv struct {
	Shell             string            `yaml:"shell"`
	Variables         map[string]string `yaml:"variables"`
	ExportedVariables []string          `yaml:"exported-variables"`
}

// PhaseSpec lists the commands of one phase. Finally commands run even
// when a command fails.
type PhaseSpec struct {
	RunAs    string   `yaml:"run-as"`
	Commands []string `yaml:"commands"`
	Finally  []string `yaml:"finally"`
}

// ArtifactsSpec selects build output.
type ArtifactsSpec struct {
	Files              []string                 `yaml:"files"`
	BaseDirectory      string                   `yaml:"base-directory"`
	DiscardPaths       yesNo                    `yaml:"discard-paths"`
	Name               string                   `yaml:"name"`
	SecondaryArtifacts map[string]ArtifactsSpec `yaml:"secondary-artifacts"`
}

// ReportSpec selects test report files.
type ReportSpec struct {
	Files         []string `yaml:"files"`
	BaseDirectory string   `yaml:"base-directory"`
	FileFormat    string   `yaml:"file-format"`
}

// yesNo accepts yes/no as well as YAML booleans.
type yesNo bool

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *yesNo) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "yes", "true":
		*b = true
	case "no", "false", "":
		*b = false
	default:
		return fmt.Errorf("line %d: expected yes or no, got %q", node.Line, node.Value)
	}
	return nil
}

var buildspecPhases = map[models.PhaseType]string{
	models.PhaseInstall:   "install",
	models.PhasePreBuild:  "pre_build",
	models.PhaseBuild:     "build",
	models.PhasePostBuild: "post_build",
}

// ParseBuildspec parses and checks a buildspec document.
func ParseBuildspec(data []byte) (*Buildspec, error) {
	var spec Buildspec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing buildspec: %w", err)
	}
	if spec.Version != "0.1" && spec.Version != "0.2" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, spec.Version)
	}
	for name := range spec.Phases {
		if !knownPhase(name) {
			return nil, fmt.Errorf("unknown phase %q", name)
		}
	}
	for _, name := range spec.Env.ExportedVariables {
		if name == "" {
			return nil, errors.New("exported-variables contains an empty name")
		}
	}
	return &spec, nil
}

func knownPhase(name string) bool {
	for _, n := range buildspecPhases {
		if n == name {
			return true
		}
	}
	return false
}

// LoadBuildspec reads the buildspec of a checked-out source. ref is either
// an inline document, a path relative to sourceDir, or empty for the
// default path.
func LoadBuildspec(sourceDir, ref string) (*Buildspec, error) {
	if strings.Contains(ref, "\n") {
		return ParseBuildspec([]byte(ref))
	}
	if ref == "" {
		ref = DefaultBuildspecPath
	}
	path := filepath.Join(sourceDir, filepath.FromSlash(ref))
	rel, err := filepath.Rel(sourceDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("buildspec path %q is outside the source", ref)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading buildspec: %w", err)
	}
	return ParseBuildspec(data)
}

// Phase returns the commands for p.
func (b *Buildspec) Phase(p models.PhaseType) PhaseSpec {
	return b.Phases[buildspecPhases[p]]
}
