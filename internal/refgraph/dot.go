package refgraph

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// WriteDOT renders the graph in Graphviz syntax. Edge pen width follows the
// mention count.
func (g *Graph) WriteDOT(w io.Writer, title string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph %s {\n", strconv.Quote(title))
	fmt.Fprintf(bw, "  graph [label=%s, labelloc=t];\n", strconv.Quote(title))
	fmt.Fprintln(bw, "  node [style=filled];")
	for _, n := range g.Nodes() {
		color := "gray"
		if _, ok := g.digests[n]; ok {
			color = "green"
		}
		fmt.Fprintf(bw, "  %s [color=%s];\n", strconv.Quote(n), color)
	}
	for _, from := range sortedKeys(g.edges) {
		out := g.edges[from]
		for _, to := range sortedKeys(out) {
			fmt.Fprintf(bw, "  %s -> %s [color=orange, label=%d, penwidth=%d];\n",
				strconv.Quote(from), strconv.Quote(to), out[to], out[to])
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
