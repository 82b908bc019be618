package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func cmdGraph(a *app) *cobra.Command {
	var (
		manifestFile string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the task dependency graph in Graphviz DOT format",
		Long: `Graph loads the manifest, checks its dependencies and writes the task
graph in DOT format. Render it with e.g. 'convergectl graph -m m.yaml | dot -Tsvg'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.newOrchestrator(cmd.Context(), manifestFile)
			if err != nil {
				return err
			}
			g, err := o.Graph()
			if err != nil {
				return err
			}

			labels := make(map[string]string)
			for _, t := range o.Tasks() {
				labels[t.ID] = fmt.Sprintf("label=%q", t.ID+"\n"+t.Resource.Name())
			}

			var w io.Writer = os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			g.AsDot(w, "converge", func(name string) string { return labels[name] })
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "manifest", "m", "",
		"Path to the manifest (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "-",
		"Write the graph to this file instead of stdout")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}
