package knowledge

import (
	"math"
	"strconv"
)

// linkThreshold is the minimum cosine similarity for two notes to be
// connected in the graph.
const linkThreshold = 0.5

var tagColors = map[string]string{
	"IA":               "#FF6B6B",
	"Machine Learning": "#4ECDC4",
	"Deep Learning":    "#45B7D1",
	"NLP":              "#96CEB4",
	"Neural Networks":  "#FFEAA7",
	"Grafos":           "#DDA15E",
	"Embeddings":       "#BC6C25",
	"Transformers":     "#6C5CE7",
	"RAG":              "#00B894",
	"Attention":        "#FD79A8",
}

const defaultColor = "#74B9FF"

// GraphNode is one note as rendered in the graph, colored by its first tag.
type GraphNode struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
	Color string   `json:"color"`
}

// GraphLink connects two notes whose embeddings score above the threshold.
type GraphLink struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Value  float64 `json:"value"`
}

// Graph is the full node/link set for the knowledge page.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

// CosineSimilarity scores two vectors in [-1, 1]. Mismatched lengths and
// zero vectors score zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// BuildGraph derives nodes and similarity links from the given notes. Each
// unordered note pair is compared once, so links are not duplicated in the
// reverse direction.
func BuildGraph(notes []Note) Graph {
	g := Graph{
		Nodes: make([]GraphNode, 0, len(notes)),
		Links: []GraphLink{},
	}

	for _, n := range notes {
		color := defaultColor
		if len(n.Tags) > 0 {
			if c, ok := tagColors[n.Tags[0]]; ok {
				color = c
			}
		}
		tags := n.Tags
		if tags == nil {
			tags = []string{}
		}
		g.Nodes = append(g.Nodes, GraphNode{
			ID:    strconv.FormatInt(n.ID, 10),
			Title: n.Title,
			Tags:  tags,
			Color: color,
		})
	}

	for i := 0; i < len(notes); i++ {
		for j := i + 1; j < len(notes); j++ {
			score := CosineSimilarity(notes[i].Embedding, notes[j].Embedding)
			if score <= linkThreshold {
				continue
			}
			g.Links = append(g.Links, GraphLink{
				Source: strconv.FormatInt(notes[i].ID, 10),
				Target: strconv.FormatInt(notes[j].ID, 10),
				Value:  score,
			})
		}
	}

	return g
}
