package dependency

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	apperrors "devspin/internal/errors"
	"devspin/internal/project"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func svc(name string, deps ...string) project.Service {
	return project.Service{Name: name, Command: "true", DependsOn: deps}
}

func TestResolve_WebScenario(t *testing.T) {
	p := &project.Project{Name: "web", Services: []project.Service{
		svc("db"),
		svc("api", "db"),
		svc("frontend", "api"),
	}}

	stages, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, []Stage{{"db"}, {"api"}, {"frontend"}}, stages)
	assert.Equal(t, []string{"frontend", "api", "db"}, Reverse(stages))
}

func TestResolve_ParallelStagesUseDeclarationOrder(t *testing.T) {
	p := &project.Project{Name: "shop", Services: []project.Service{
		svc("worker", "queue", "db"),
		svc("queue"),
		svc("web", "db"),
		svc("db"),
		svc("cache"),
	}}

	stages, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, []Stage{{"queue", "db", "cache"}, {"worker", "web"}}, stages)
	assert.Equal(t, []string{"queue", "db", "cache", "worker", "web"}, Flatten(stages))
}

func TestResolve_CycleDetected(t *testing.T) {
	p := &project.Project{Name: "loop", Services: []project.Service{
		svc("root"),
		svc("a", "root", "c"),
		svc("b", "a"),
		svc("c", "b"),
		svc("leaf", "c"),
	}}

	stages, err := Resolve(p)
	require.Error(t, err)
	assert.Nil(t, stages, "no partial partition on cycle")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCycleDetected))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycleErr.Path)
	assert.Contains(t, err.Error(), "a -> c -> b -> a")
}

func TestGraph_Traversals(t *testing.T) {
	g := FromProject(&project.Project{Services: []project.Service{
		svc("db"),
		svc("cache"),
		svc("api", "db", "cache"),
		svc("frontend", "api"),
		svc("docs"),
	}})

	assert.Equal(t, 5, g.Len())
	assert.Equal(t, []string{"api"}, g.Dependents("db"))
	assert.Equal(t, []string{"db", "cache", "api", "frontend"}, g.TransitiveDependencies("frontend"))
	assert.Equal(t, []string{"api", "frontend"}, g.TransitiveDependents("cache"))
	assert.Empty(t, g.TransitiveDependents("docs"))

	n, ok := g.Node("api")
	require.True(t, ok)
	assert.Equal(t, []string{"db", "cache"}, n.DependsOn)
}

func TestGraph_UnknownDependency(t *testing.T) {
	g := New()
	g.AddNode(Node{ID: "api", DependsOn: []string{"ghost"}})

	_, err := g.Stages()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

// TestStages_RandomAcyclicGraphs checks the partition invariants on random
// DAGs: every node appears exactly once and strictly after all its dependencies.
func TestStages_RandomAcyclicGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(15)
		g := New()
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			g.AddNode(Node{ID: fmt.Sprintf("s%d", i), DependsOn: deps})
		}

		stages, err := g.Stages()
		require.NoError(t, err)

		stageOf := make(map[string]int)
		for idx, st := range stages {
			for _, id := range st {
				_, dup := stageOf[id]
				require.False(t, dup, "node %s scheduled twice", id)
				stageOf[id] = idx
			}
		}
		require.Len(t, stageOf, n)

		for id, idx := range stageOf {
			node, _ := g.Node(id)
			for _, dep := range node.DependsOn {
				assert.Less(t, stageOf[dep], idx, "%s must start after %s", id, dep)
			}
		}
	}
}

func TestStages_RandomCyclicGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iter := 0; iter < 100; iter++ {
		n := 2 + rng.Intn(10)
		g := New()
		for i := 0; i < n; i++ {
			var deps []string
			if i > 0 {
				deps = append(deps, fmt.Sprintf("s%d", i-1))
			}
			if i == 0 {
				deps = append(deps, fmt.Sprintf("s%d", n-1))
			}
			g.AddNode(Node{ID: fmt.Sprintf("s%d", i), DependsOn: deps})
		}

		stages, err := g.Stages()
		require.Error(t, err)
		assert.Nil(t, stages)

		var cycleErr *CycleError
		require.True(t, errors.As(err, &cycleErr))
		assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	}
}
