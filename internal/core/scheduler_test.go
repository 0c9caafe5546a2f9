package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(name string, needs ...string) JobSpec {
	return JobSpec{Name: name, Image: "alpine", Script: []string{"echo " + name}, Tags: []string{"docker"}, Needs: needs}
}

func TestResolveIndependentJobs(t *testing.T) {
	p, err := NewPipeline("p", nil, []JobSpec{job("a"), job("b"), job("c")})
	require.NoError(t, err)

	g, err := Resolve(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, g.Roots())
	r := g.NewReadiness()
	assert.Equal(t, []string{"a", "b", "c"}, r.Ready())
	for _, n := range []string{"a", "b", "c"} {
		assert.Empty(t, g.Predecessors(n))
		assert.Equal(t, 0, r.Remaining(n))
	}
}

func TestResolveNeeds(t *testing.T) {
	p, err := NewPipeline("p", nil, []JobSpec{
		job("deploy", "test", "lint"),
		job("build"),
		job("test", "build"),
		job("lint", "build"),
	})
	require.NoError(t, err)

	g, err := Resolve(p)
	require.NoError(t, err)

	order := g.Order()
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["build"], pos["test"])
	assert.Less(t, pos["build"], pos["lint"])
	assert.Less(t, pos["test"], pos["deploy"])
	assert.Less(t, pos["lint"], pos["deploy"])

	assert.ElementsMatch(t, []string{"test", "lint"}, g.Dependents("build"))
	assert.Equal(t, []string{"test", "lint", "deploy"}, g.Descendants("build"))

	r := g.NewReadiness()
	assert.Equal(t, []string{"build"}, r.Ready())
	assert.Equal(t, 2, r.Remaining("deploy"))
	assert.ElementsMatch(t, []string{"test", "lint"}, r.Complete("build"))
	assert.Empty(t, r.Complete("test"))
	assert.Equal(t, 1, r.Remaining("deploy"))
	assert.Equal(t, []string{"deploy"}, r.Complete("lint"))
}

func TestResolveStages(t *testing.T) {
	build := job("compile")
	build.Stage = "build"
	unit := job("unit")
	unit.Stage = "test"
	docs := job("docs")
	docs.Stage = "test"
	ship := job("ship")
	ship.Stage = "deploy"
	loose := job("loose")

	p, err := NewPipeline("p", []string{"build", "test", "deploy"}, []JobSpec{ship, unit, build, docs, loose})
	require.NoError(t, err)
	g, err := Resolve(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"compile"}, g.Predecessors("unit"))
	assert.Equal(t, []string{"compile"}, g.Predecessors("docs"))
	assert.ElementsMatch(t, []string{"unit", "compile", "docs"}, g.Predecessors("ship"))
	assert.Empty(t, g.Predecessors("loose"))
	assert.ElementsMatch(t, []string{"compile", "loose"}, g.Roots())
}

func TestResolveNeedsOverrideStage(t *testing.T) {
	build := job("compile")
	build.Stage = "build"
	other := job("other")
	other.Stage = "build"
	unit := job("unit", "compile")
	unit.Stage = "test"

	p, err := NewPipeline("p", []string{"build", "test"}, []JobSpec{build, other, unit})
	require.NoError(t, err)
	g, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"compile"}, g.Predecessors("unit"))
}

func TestResolveEmptyNeedsIgnoresStage(t *testing.T) {
	build := job("compile")
	build.Stage = "build"
	lint := job("lint")
	lint.Stage = "test"
	lint.Needs = []string{}

	p, err := NewPipeline("p", []string{"build", "test"}, []JobSpec{build, lint})
	require.NoError(t, err)
	g, err := Resolve(p)
	require.NoError(t, err)
	assert.Empty(t, g.Predecessors("lint"))
	assert.ElementsMatch(t, []string{"compile", "lint"}, g.Roots())
}

func TestResolveCycle(t *testing.T) {
	_, err := NewPipeline("p", nil, []JobSpec{
		job("a", "c"),
		job("b", "a"),
		job("c", "b"),
		job("d"),
	})
	require.Error(t, err)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.True(t, errors.Is(err, ErrDefinition))
	assert.Equal(t, cycle.Path[0], cycle.Path[len(cycle.Path)-1])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycle.Path[:len(cycle.Path)-1])
}

func TestResolveSelfCycle(t *testing.T) {
	_, err := NewPipeline("p", nil, []JobSpec{job("a", "a")})
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "a"}, cycle.Path)
}

func TestResolveUnknownDependency(t *testing.T) {
	_, err := NewPipeline("p", nil, []JobSpec{job("a"), job("b", "ghost")})

	var unknown *UnknownDependencyError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "b", unknown.Job)
	assert.Equal(t, "ghost", unknown.Dependency)
}

func TestNewPipelineRejectsBadDefinitions(t *testing.T) {
	noTags := job("a")
	noTags.Tags = []string{" ", ""}
	noScript := job("b")
	noScript.Script = nil
	badStage := job("c")
	badStage.Stage = "release"

	tests := []struct {
		name string
		jobs []JobSpec
		want error
	}{
		{"empty", nil, ErrNoJobs},
		{"duplicate", []JobSpec{job("a"), job("a")}, &DuplicateJobError{}},
		{"no tags", []JobSpec{noTags}, &EmptyTagsError{}},
		{"no script", []JobSpec{noScript}, &EmptyScriptError{}},
		{"unknown stage", []JobSpec{badStage}, &UnknownStageError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPipeline("p", []string{"build"}, tt.jobs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDefinition), err.Error())
			switch want := tt.want.(type) {
			case *DuplicateJobError:
				assert.ErrorAs(t, err, &want)
			case *EmptyTagsError:
				assert.ErrorAs(t, err, &want)
			case *EmptyScriptError:
				assert.ErrorAs(t, err, &want)
			case *UnknownStageError:
				assert.ErrorAs(t, err, &want)
			default:
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestPipelineIsImmutable(t *testing.T) {
	jobs := []JobSpec{job("a")}
	p, err := NewPipeline("p", nil, jobs)
	require.NoError(t, err)

	jobs[0].Script[0] = "rm -rf /"
	got, ok := p.Job("a")
	require.True(t, ok)
	assert.Equal(t, "echo a", got.Script[0])

	got.Tags[0] = "gpu"
	again, _ := p.Job("a")
	assert.Equal(t, []string{"docker"}, again.Tags)
}
