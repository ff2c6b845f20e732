package router

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/spf13/afero"
)

const (
	graphName    = "chat_turn"
	nodeChatbot  = "chatbot"
	nodeTools    = "tools"
	GraphFile    = "chat_graph.mmd"
	mermaidStart = "__start__"
	mermaidEnd   = "__end__"
)

// Edge is a transition of the chat graph. Conditional edges carry the
// branch outcome in Label.
type Edge struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Label       string `json:"label,omitempty"`
	Conditional bool   `json:"conditional"`
}

// Topology describes the compiled chat graph.
type Topology struct {
	Name  string   `json:"name"`
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

func buildGraph(r *Router) (*compose.Graph[*turnState, *turnState], Topology, error) {
	topo := Topology{Name: graphName, Nodes: []string{compose.START, nodeChatbot, nodeTools, compose.END}}
	g := compose.NewGraph[*turnState, *turnState]()

	if err := g.AddLambdaNode(nodeChatbot, compose.InvokableLambda(r.chat), compose.WithNodeName(nodeChatbot)); err != nil {
		return nil, topo, fmt.Errorf("add chatbot node: %w", err)
	}
	if err := g.AddLambdaNode(nodeTools, compose.InvokableLambda(r.invoke), compose.WithNodeName(nodeTools)); err != nil {
		return nil, topo, fmt.Errorf("add tools node: %w", err)
	}
	if err := g.AddEdge(compose.START, nodeChatbot); err != nil {
		return nil, topo, fmt.Errorf("add start edge: %w", err)
	}
	topo.Edges = append(topo.Edges, Edge{From: compose.START, To: nodeChatbot})

	afterChat := compose.NewGraphBranch(func(_ context.Context, st *turnState) (string, error) {
		if st.done {
			return compose.END, nil
		}
		if Decide(st.produced) == DecisionInvokeTool {
			return nodeTools, nil
		}
		return compose.END, nil
	}, map[string]bool{nodeTools: true, compose.END: true})
	if err := g.AddBranch(nodeChatbot, afterChat); err != nil {
		return nil, topo, fmt.Errorf("add chatbot branch: %w", err)
	}
	topo.Edges = append(topo.Edges,
		Edge{From: nodeChatbot, To: nodeTools, Label: DecisionInvokeTool.String(), Conditional: true},
		Edge{From: nodeChatbot, To: compose.END, Label: DecisionTerminate.String(), Conditional: true},
	)

	afterTools := compose.NewGraphBranch(func(_ context.Context, st *turnState) (string, error) {
		if st.done {
			return compose.END, nil
		}
		return nodeChatbot, nil
	}, map[string]bool{nodeChatbot: true, compose.END: true})
	if err := g.AddBranch(nodeTools, afterTools); err != nil {
		return nil, topo, fmt.Errorf("add tools branch: %w", err)
	}
	topo.Edges = append(topo.Edges,
		Edge{From: nodeTools, To: nodeChatbot, Label: "results", Conditional: true},
		Edge{From: nodeTools, To: compose.END, Label: "diagnostic", Conditional: true},
	)
	return g, topo, nil
}

// Topology returns the shape of the compiled chat graph.
func (r *Router) Topology() Topology {
	return r.topology
}

// DescribeGraph builds the chat graph without a model and returns its shape.
func DescribeGraph() (Topology, error) {
	_, topo, err := buildGraph(&Router{})
	return topo, err
}

// Mermaid renders the topology as a Mermaid flowchart.
func (t Topology) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for _, n := range t.Nodes {
		switch n {
		case compose.START:
			fmt.Fprintf(&b, "    %s([start])\n", mermaidStart)
		case compose.END:
			fmt.Fprintf(&b, "    %s([end])\n", mermaidEnd)
		default:
			fmt.Fprintf(&b, "    %s[%s]\n", n, n)
		}
	}
	for _, e := range t.Edges {
		from, to := mermaidID(e.From), mermaidID(e.To)
		switch {
		case e.Conditional && e.Label != "":
			fmt.Fprintf(&b, "    %s -. %s .-> %s\n", from, e.Label, to)
		case e.Conditional:
			fmt.Fprintf(&b, "    %s -.-> %s\n", from, to)
		default:
			fmt.Fprintf(&b, "    %s --> %s\n", from, to)
		}
	}
	return b.String()
}

func mermaidID(node string) string {
	switch node {
	case compose.START:
		return mermaidStart
	case compose.END:
		return mermaidEnd
	}
	return node
}

// ExportGraph writes the Mermaid rendering to dir/chat_graph.mmd and returns the path.
func ExportGraph(fs afero.Fs, dir string, topo Topology) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create graph dir: %w", err)
	}
	path := filepath.Join(dir, GraphFile)
	if err := afero.WriteFile(fs, path, []byte(topo.Mermaid()), 0o644); err != nil {
		return "", fmt.Errorf("write graph: %w", err)
	}
	return path, nil
}
