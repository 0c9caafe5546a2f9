package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"blockci/internal/core"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline.yml>",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			p := g.Pipeline()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipeline %s: %d jobs, ok\n", p.Name(), p.Len())
			for _, name := range g.Order() {
				j, _ := p.Job(name)
				fmt.Fprintf(out, "  %-20s tags=[%s] steps=%d\n", name, strings.Join(j.Tags, ", "), len(j.Commands()))
			}
			return nil
		},
	}
}

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <pipeline.yml>",
		Short: "Print the dependency graph of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			printGraph(cmd.OutOrStdout(), g)
			return nil
		},
	}
}

func loadGraph(path string) (*core.Graph, error) {
	p, err := core.LoadPipeline(path)
	if err != nil {
		return nil, setupError(err)
	}
	g, err := core.Resolve(p)
	if err != nil {
		return nil, setupError(err)
	}
	return g, nil
}

// printGraph prints every root and the jobs waiting on it as a tree. A job
// reachable from several parents is expanded once and marked afterwards.
func printGraph(out io.Writer, g *core.Graph) {
	fmt.Fprintf(out, "pipeline: %s\n", g.Pipeline().Name())
	expanded := make(map[string]bool)

	var walk func(name, prefix string, last bool)
	walk = func(name, prefix string, last bool) {
		branch, next := "├── ", "│   "
		if last {
			branch, next = "└── ", "    "
		}
		if expanded[name] {
			fmt.Fprintf(out, "%s%s%s (see above)\n", prefix, branch, name)
			return
		}
		expanded[name] = true
		fmt.Fprintf(out, "%s%s%s\n", prefix, branch, name)
		children := g.Dependents(name)
		for i, c := range children {
			walk(c, prefix+next, i == len(children)-1)
		}
	}

	roots := g.Roots()
	for i, r := range roots {
		walk(r, "", i == len(roots)-1)
	}
}
