package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Top level keys that configure the pipeline instead of naming a job.
var reservedKeys = map[string]bool{
	"stages":        true,
	"default":       true,
	"image":         true,
	"before_script": true,
	"tags":          true,
	"variables":     true,
	"workflow":      true,
	"include":       true,
}

type jobDefaults struct {
	Image        string      `yaml:"image"`
	BeforeScript *stringList `yaml:"before_script"`
	Tags         *stringList `yaml:"tags"`
}

type rawJob struct {
	Image        string      `yaml:"image"`
	BeforeScript *stringList `yaml:"before_script"`
	Script       stringList  `yaml:"script"`
	Tags         *stringList `yaml:"tags"`
	Needs        needList    `yaml:"needs"`
	Stage        string      `yaml:"stage"`
	AllowFailure bool        `yaml:"allow_failure"`
	Timeout      string      `yaml:"timeout"`
}

// ParsePipeline parses GitLab CI style YAML into a validated Pipeline.
func ParsePipeline(data []byte) (*Pipeline, error) {
	return parsePipeline("pipeline", data)
}

// LoadPipeline reads a pipeline file. The pipeline is named after the file
// unless workflow.name is set.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return parsePipeline(name, data)
}

func parsePipeline(name string, data []byte) (*Pipeline, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinition, err)
	}
	if len(doc.Content) == 0 {
		return nil, ErrNoJobs
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrDefinition)
	}

	var (
		stages   []string
		defaults jobDefaults
		entries  []*yaml.Node
		keys     []string
	)
	seen := make(map[string]bool)

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		if seen[key] {
			if reservedKeys[key] {
				return nil, fmt.Errorf("%w: %q is set twice", ErrDefinition, key)
			}
			return nil, &DuplicateJobError{Job: key}
		}
		seen[key] = true

		var err error
		switch key {
		case "stages":
			err = val.Decode(&stages)
		case "default":
			err = val.Decode(&defaults)
		case "image":
			err = val.Decode(&defaults.Image)
		case "before_script":
			defaults.BeforeScript = new(stringList)
			err = val.Decode(defaults.BeforeScript)
		case "tags":
			defaults.Tags = new(stringList)
			err = val.Decode(defaults.Tags)
		case "workflow":
			var wf struct {
				Name string `yaml:"name"`
			}
			err = val.Decode(&wf)
			if wf.Name != "" {
				name = wf.Name
			}
		case "variables", "include":
			// not interpreted
		default:
			if strings.HasPrefix(key, ".") {
				continue // hidden template
			}
			keys = append(keys, key)
			entries = append(entries, val)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDefinition, key, err)
		}
	}

	jobs := make([]JobSpec, 0, len(entries))
	for i, node := range entries {
		var raw rawJob
		if err := node.Decode(&raw); err != nil {
			return nil, &InvalidJobError{Job: keys[i], Reason: err.Error()}
		}
		job, err := raw.spec(keys[i], defaults)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if stages == nil && usesStages(jobs) {
		stages = defaultStages
	}
	return NewPipeline(name, stages, jobs)
}

// defaultStages apply when a pipeline names stages without declaring them.
var defaultStages = []string{".pre", "build", "test", "deploy", ".post"}

func usesStages(jobs []JobSpec) bool {
	for _, j := range jobs {
		if j.Stage != "" {
			return true
		}
	}
	return false
}

func (r rawJob) spec(name string, d jobDefaults) (JobSpec, error) {
	job := JobSpec{
		Name:         name,
		Image:        r.Image,
		Script:       r.Script,
		Needs:        r.Needs,
		Stage:        r.Stage,
		AllowFailure: r.AllowFailure,
	}
	if job.Image == "" {
		job.Image = d.Image
	}
	switch {
	case r.BeforeScript != nil:
		job.BeforeScript = *r.BeforeScript
	case d.BeforeScript != nil:
		job.BeforeScript = *d.BeforeScript
	}
	switch {
	case r.Tags != nil:
		job.Tags = *r.Tags
	case d.Tags != nil:
		job.Tags = *d.Tags
	}
	if r.Timeout != "" {
		t, err := ParseTimeout(r.Timeout)
		if err != nil {
			return JobSpec{}, &InvalidJobError{Job: name, Reason: err.Error()}
		}
		job.Timeout = t
	}
	return job, nil
}

// ParseTimeout accepts Go durations with optional spaces ("1h 30m").
func ParseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return 0, fmt.Errorf("bad timeout %q: %v", s, err)
	}
	return d, nil
}

// stringList accepts a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*s = stringList{n.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return err
		}
		*s = out
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
}

// needList accepts both `needs: [a, b]` and `needs: [{job: a}]`.
type needList []string

func (l *needList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: needs must be a list", n.Line)
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, item.Value)
		case yaml.MappingNode:
			var ref struct {
				Job string `yaml:"job"`
			}
			if err := item.Decode(&ref); err != nil {
				return err
			}
			out = append(out, ref.Job)
		default:
			return fmt.Errorf("line %d: unsupported needs entry", item.Line)
		}
	}
	*l = out
	return nil
}
