package pipeline

import (
	"fmt"
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"gopkg.in/go-playground/colors.v1"

	"smartdip/internal/ops"
)

// SourceVertex is the root of every plan graph.
const SourceVertex = "source"

var categoryRGB = map[ops.Category][3]uint8{
	ops.Basic:         {0x9e, 0xc5, 0xfe},
	ops.Advanced:      {0xb6, 0xd7, 0xa8},
	ops.Morphological: {0xff, 0xe5, 0x99},
	ops.Segmentation:  {0xf4, 0xcc, 0xcc},
	ops.Color:         {0xd5, 0xa6, 0xbd},
	ops.Frequency:     {0xa2, 0xc4, 0xc9},
	ops.Restoration:   {0xf9, 0xcb, 0x9c},
}

func categoryColor(c ops.Category) (string, error) {
	rgb, ok := categoryRGB[c]
	if !ok {
		rgb = [3]uint8{0xee, 0xee, 0xee}
	}
	col, err := colors.RGB(rgb[0], rgb[1], rgb[2])
	if err != nil {
		return "", fmt.Errorf("category colour: %w", err)
	}
	return col.ToHEX().String(), nil
}

// StageVertex names the vertex of stage i.
func StageVertex(i int, operation string) string {
	return fmt.Sprintf("%d:%s", i, operation)
}

// Graph builds the linear plan source -> 0:op -> 1:op ... with vertices filled by category.
func Graph(registry *ops.Registry, stages []Stage) (graph.Graph[string, string], error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	g := graph.New(graph.StringHash, graph.Directed(), graph.Acyclic())
	if err := g.AddVertex(SourceVertex, graph.VertexAttribute("shape", "box")); err != nil {
		return nil, fmt.Errorf("add source vertex: %w", err)
	}

	prev := SourceVertex
	for i, st := range stages {
		op, err := registry.Lookup(st.Operation)
		if err != nil {
			return nil, &StageError{Operation: st.Operation, Index: i, Err: err}
		}
		fill, err := categoryColor(op.Category)
		if err != nil {
			return nil, err
		}
		name := StageVertex(i, st.Operation)
		if err := g.AddVertex(name,
			graph.VertexAttribute("style", "filled"),
			graph.VertexAttribute("fillcolor", fill),
			graph.VertexAttribute("tooltip", string(op.Category)),
		); err != nil {
			return nil, fmt.Errorf("add vertex %s: %w", name, err)
		}
		if err := g.AddEdge(prev, name); err != nil {
			return nil, fmt.Errorf("add edge %s -> %s: %w", prev, name, err)
		}
		prev = name
	}
	return g, nil
}

// WriteDOT renders the plan of stages as Graphviz DOT.
func WriteDOT(w io.Writer, registry *ops.Registry, stages []Stage) error {
	g, err := Graph(registry, stages)
	if err != nil {
		return err
	}
	return draw.DOT(g, w, draw.GraphAttribute("rankdir", "LR"))
}
