package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPipelineArtifact(t *testing.T) {
	p, err := LoadPipeline("testdata/gitlab-ci.yml")
	require.NoError(t, err)

	assert.Equal(t, "gitlab-ci", p.Name())
	assert.Equal(t, []string{"build-nightly", "static-analysis", "test-coverage", "test", "test-doc", "test-formatting"}, p.Names())

	nightly, ok := p.Job("build-nightly")
	require.True(t, ok)
	assert.Equal(t, "rustlang/rust:nightly", nightly.Image)
	assert.Equal(t, []string{"rustc --version && cargo --version"}, nightly.BeforeScript)
	assert.Equal(t, []string{"docker", "x86_64"}, nightly.Tags)

	test, _ := p.Job("test")
	assert.Equal(t, "rust:latest", test.Image)
	assert.Equal(t, []string{
		"apt-get update -yqq",
		"apt-get install -yqq --no-install-recommends build-essential",
	}, test.BeforeScript)
	assert.Equal(t, []string{"cargo test --all --verbose"}, test.Script)

	g, err := Resolve(p)
	require.NoError(t, err)
	assert.Len(t, g.Roots(), 6)
}

func TestParsePipelineDefaultsAndStages(t *testing.T) {
	p, err := ParsePipeline([]byte(`
workflow:
  name: release
stages: [build, test]
default:
  image: golang:1.23
  tags: [linux]
variables:
  CGO_ENABLED: "0"
.template:
  script: echo never
compile:
  stage: build
  script: go build ./...
unit:
  stage: test
  tags: [linux, race]
  timeout: 1h 30m
  allow_failure: true
  script:
    - go test -race ./...
`))
	require.NoError(t, err)

	assert.Equal(t, "release", p.Name())
	assert.Equal(t, []string{"build", "test"}, p.Stages())
	assert.Equal(t, []string{"compile", "unit"}, p.Names())

	compile, _ := p.Job("compile")
	assert.Equal(t, "golang:1.23", compile.Image)
	assert.Equal(t, []string{"go build ./..."}, compile.Script)
	assert.Equal(t, []string{"linux"}, compile.Tags)
	assert.Empty(t, compile.BeforeScript)

	unit, _ := p.Job("unit")
	assert.Equal(t, []string{"linux", "race"}, unit.Tags)
	assert.Equal(t, 90*time.Minute, unit.Timeout)
	assert.True(t, unit.AllowFailure)

	g, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"compile"}, g.Predecessors("unit"))
}

func TestParsePipelineNeedsForms(t *testing.T) {
	p, err := ParsePipeline([]byte(`
tags: [docker]
image: alpine
a:
  script: [make]
b:
  script: [make]
c:
  needs:
    - a
    - job: b
  script: [make deploy]
`))
	require.NoError(t, err)
	c, _ := p.Job("c")
	assert.Equal(t, []string{"a", "b"}, c.Needs)
}

func TestParsePipelineErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "a: [b"},
		{"empty", ""},
		{"only hidden jobs", ".a:\n  script: [x]\n  tags: [x]\n"},
		{"top level list", "- a\n- b\n"},
		{"bad timeout", "a:\n  script: [x]\n  tags: [x]\n  timeout: soon\n"},
		{"needs not a list", "a:\n  script: [x]\n  tags: [x]\n  needs: b\n"},
		{"missing tags", "a:\n  script: [x]\n"},
		{"unknown need", "a:\n  script: [x]\n  tags: [x]\n  needs: [ghost]\n"},
		{"duplicate stages key", "stages: [a]\nstages: [b]\njob:\n  script: [x]\n  tags: [x]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDefinition), err.Error())
		})
	}
}

func TestParsePipelineDuplicateJob(t *testing.T) {
	_, err := ParsePipeline([]byte("a:\n  script: [x]\n  tags: [x]\na:\n  script: [y]\n  tags: [x]\n"))
	var dup *DuplicateJobError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a", dup.Job)
}

func TestParseTimeout(t *testing.T) {
	d, err := ParseTimeout("1h 30m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	d, err = ParseTimeout("45s")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	_, err = ParseTimeout("tomorrow")
	assert.Error(t, err)
}

func TestParsePipelineGitLabStageDefaults(t *testing.T) {
	p, err := ParsePipeline([]byte(`
tags: [docker]
compile:
  stage: build
  script: [make]
unit:
  stage: test
  script: [make test]
lint:
  stage: test
  needs: []
  script: [make lint]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{".pre", "build", "test", "deploy", ".post"}, p.Stages())

	g, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"compile"}, g.Predecessors("unit"))
	assert.Empty(t, g.Predecessors("lint"))
	assert.ElementsMatch(t, []string{"compile", "lint"}, g.Roots())

	_, err = ParsePipeline([]byte("stages: [build]\nship:\n  stage: deploy\n  tags: [x]\n  script: [x]\n"))
	var stageErr *UnknownStageError
	require.ErrorAs(t, err, &stageErr)
	assert.Contains(t, err.Error(), "not listed in stages")
}
