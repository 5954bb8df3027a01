package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace", "  \n\t ", nil},
		{"latin", "Hello, World! Go-1.24", []string{"hello", "world", "go", "1", "24"}},
		{"fullwidth", "ＡＢＣ１２３", []string{"abc123"}},
		{"cjk bigrams", "向量检索", []string{"向", "向量", "量", "量检", "检", "检索", "索"}},
		{"mixed", "RAG检索", []string{"rag", "检", "检索", "索"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestTokenString(t *testing.T) {
	assert.Equal(t, "vector search", TokenString("Vector  SEARCH"))
}

func TestAbstract(t *testing.T) {
	assert.Equal(t, "a b c", Abstract("a\n\nb   c", 10))
	assert.Equal(t, "abcde", Abstract("abcdefgh", 5))
	assert.Equal(t, "检索增", Abstract("检索增强生成", 3))
}

func TestExtractKeywords(t *testing.T) {
	corpus := []string{
		"the database stores vectors and the database indexes vectors",
		"the weather today is sunny",
		"the database has tables",
	}
	got := ExtractKeywords(corpus[0], corpus, 2)
	require.Len(t, got, 2)
	// "vectors" appears twice and only in this document; "database" appears in two documents.
	assert.Equal(t, "vectors", got[0])
	assert.NotContains(t, got, "the")
}

func TestExtractKeywords_EmptyCorpus(t *testing.T) {
	got := ExtractKeywords("alpha beta beta", nil, 5)
	assert.Equal(t, []string{"beta", "alpha"}, got)
}

func TestQueryKeywords(t *testing.T) {
	assert.Equal(t, []string{"hybrid", "search", "ranking"}, QueryKeywords("What is hybrid search and hybrid ranking?"))
	assert.Empty(t, QueryKeywords("the of and"))
}
