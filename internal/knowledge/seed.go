package knowledge

import (
	"context"
	"fmt"
	"math"
)

// embeddingDim matches the dimensionality of OpenAI text embeddings so a
// seeded store can later mix mock and real vectors.
const embeddingDim = 1536

// MockEmbedding derives a deterministic unit-norm vector from text. It is a
// stand-in for a real embedding model: the same text always maps to the
// same vector, and related seeds land close enough to exercise the graph.
func MockEmbedding(text string) []float64 {
	var hash int32
	for _, r := range text {
		hash = (hash << 5) - hash + int32(r)
	}

	embedding := make([]float64, embeddingDim)
	var norm float64
	for i := range embedding {
		seed := (int64(hash)+int64(i))*9301 + 49297
		value := float64(seed%233280) / 233280.0
		embedding[i] = (value - 0.5) * 2
		norm += embedding[i] * embedding[i]
	}

	norm = math.Sqrt(norm)
	for i := range embedding {
		embedding[i] /= norm
	}
	return embedding
}

// SeedNotes is the sample knowledge base loaded by the seed command.
var SeedNotes = []Note{
	{
		Title:   "Machine Learning Fundamentals",
		Content: "Machine learning is a subfield of artificial intelligence that lets computers learn from data without being explicitly programmed. ML algorithms identify patterns and make decisions based on examples.",
		Tags:    []string{"IA", "Machine Learning", "Data Science"},
	},
	{
		Title:   "Neural Networks Architecture",
		Content: "Neural networks are computational models inspired by the human brain. They consist of layers of connected artificial neurons that process information through weights and activation functions.",
		Tags:    []string{"IA", "Deep Learning", "Neural Networks"},
	},
	{
		Title:   "Natural Language Processing",
		Content: "NLP combines linguistics and machine learning so that computers can understand, interpret and generate human language, powering translation, summarization and chat systems.",
		Tags:    []string{"IA", "NLP", "Machine Learning"},
	},
	{
		Title:   "Transformers and Attention",
		Content: "The transformer architecture replaced recurrence with self-attention, letting models weigh every token against every other token and scale to very large corpora.",
		Tags:    []string{"Transformers", "Attention", "Deep Learning"},
	},
	{
		Title:   "Word and Sentence Embeddings",
		Content: "Embeddings map text into dense numeric vectors where semantic similarity becomes geometric proximity, enabling search, clustering and recommendation over meaning rather than keywords.",
		Tags:    []string{"Embeddings", "NLP", "Machine Learning"},
	},
	{
		Title:   "Retrieval-Augmented Generation",
		Content: "RAG systems retrieve relevant documents with vector search and feed them to a language model as context, grounding generated answers in an external knowledge base.",
		Tags:    []string{"RAG", "Embeddings", "NLP"},
	},
	{
		Title:   "Knowledge Graphs",
		Content: "A knowledge graph represents entities as nodes and relations as edges. Combined with embeddings, graph structure reveals clusters of related concepts and unexpected connections.",
		Tags:    []string{"Grafos", "Embeddings", "Data Science"},
	},
	{
		Title:   "Convolutional Networks",
		Content: "CNNs apply learned filters across an input grid, building hierarchies of features. They dominate computer vision tasks from classification to segmentation.",
		Tags:    []string{"Deep Learning", "Neural Networks"},
	},
	{
		Title:   "Attention Mechanisms in Detail",
		Content: "Attention computes a weighted sum of values where weights come from query-key similarity. Multi-head attention runs several such projections in parallel to capture different relations.",
		Tags:    []string{"Attention", "Transformers", "Deep Learning"},
	},
	{
		Title:   "Vector Databases",
		Content: "Vector databases index high-dimensional embeddings for fast approximate nearest-neighbor search, the storage layer behind semantic search and RAG pipelines.",
		Tags:    []string{"Embeddings", "RAG", "Grafos"},
	},
}

// Seed populates the store with the sample notes, generating mock
// embeddings from each note's title and content. With reset, existing notes
// are removed first; otherwise a non-empty store is left untouched.
func Seed(ctx context.Context, store *Store, reset bool) (int, error) {
	count, err := store.Count(ctx)
	if err != nil {
		return 0, err
	}

	if count > 0 {
		if !reset {
			return 0, nil
		}
		if err := store.Clear(ctx); err != nil {
			return 0, err
		}
	}

	inserted := 0
	for _, n := range SeedNotes {
		n.Embedding = MockEmbedding(n.Title + " " + n.Content)
		if _, err := store.Insert(ctx, n); err != nil {
			return inserted, fmt.Errorf("seed note %q: %w", n.Title, err)
		}
		inserted++
	}
	return inserted, nil
}
