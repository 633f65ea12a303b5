package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/flowengine/pkg/schema"
)

// Format selects the image encoding produced by RenderImage.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
)

// RenderImage lays out the model with dot and encodes it as an image.
func RenderImage(ctx context.Context, model *Model, format Format) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG:
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node)
	if err := addGraphvizNodes(graph, model.Nodes, gvNodes); err != nil {
		return nil, err
	}

	for _, e := range model.Edges {
		from, to := gvNodes[e.From], gvNodes[e.To]
		if from == nil || to == nil {
			continue
		}
		edge, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			edge.SetLabel(e.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// addGraphvizNodes creates nodes in g, placing each loop body in a dashed
// cluster of its own.
func addGraphvizNodes(g *cgraph.Graph, nodes []*Node, index map[string]*cgraph.Node) error {
	for _, n := range nodes {
		gvNode, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		label := n.Label
		if n.Detail != "" {
			label += "\n" + n.Detail
		}
		gvNode.SetLabel(label)
		applyNodeStyle(gvNode, n)
		index[n.ID] = gvNode

		for _, sg := range n.Children {
			sub, err := g.CreateSubGraphByName("cluster_" + n.ID)
			if err != nil {
				return fmt.Errorf("diagram: loop body of %s: %w", n.ID, err)
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)
			if err := addGraphvizNodes(sub, sg.Nodes, index); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyNodeStyle(gvNode *cgraph.Node, n *Node) {
	switch n.Kind {
	case NodeKindBranch:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindTrigger:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindCode:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	if n.Status == nil {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFontColor("white")
	switch schema.StepStatus(n.Status.Status) {
	case schema.StepStatusSucceeded:
		gvNode.SetFillColor("#2d6a2d")
	case schema.StepStatusFailed:
		gvNode.SetFillColor("#8b1a1a")
	case schema.StepStatusRunning:
		gvNode.SetFillColor("#1a5276")
	case schema.StepStatusPaused:
		gvNode.SetFillColor("#b7791a")
	default:
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	}
}
