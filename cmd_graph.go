package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"chatrouter/internal/router"
)

// GraphCmd renders the chat graph. It needs no config or credentials.
type GraphCmd struct {
	Out string `short:"o" help:"Directory to write chat_graph.mmd into; prints to stdout when empty"`
}

func (g *GraphCmd) Run() error {
	topo, err := router.DescribeGraph()
	if err != nil {
		return err
	}
	if g.Out == "" {
		fmt.Fprint(os.Stdout, topo.Mermaid())
		return nil
	}
	path, err := router.ExportGraph(afero.NewOsFs(), g.Out, topo)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "graph written to %s\n", path)
	return nil
}
