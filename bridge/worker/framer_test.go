package worker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(f *lineFramer, chunks ...[]byte) []string {
	var lines []string
	for _, chunk := range chunks {
		for _, line := range f.feed(chunk) {
			lines = append(lines, string(line))
		}
	}
	return lines
}

func TestFramerSingleChunk(t *testing.T) {
	var f lineFramer
	lines := feedAll(&f, []byte("{\"a\":1}\n{\"b\":2}\n"))
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, lines)
	assert.Equal(t, 0, f.pending())
}

func TestFramerPartialLineAcrossChunks(t *testing.T) {
	var f lineFramer
	lines := feedAll(&f,
		[]byte(`{"id":"7","res`),
		[]byte("ult\":\"pong\"}\n"),
	)
	assert.Equal(t, []string{`{"id":"7","result":"pong"}`}, lines)
}

func TestFramerHoldsIncompleteTail(t *testing.T) {
	var f lineFramer
	lines := feedAll(&f, []byte("{\"a\":1}\n{\"b\""))
	assert.Equal(t, []string{`{"a":1}`}, lines)
	assert.Equal(t, len(`{"b"`), f.pending())

	lines = feedAll(&f, []byte(":2}\n"))
	assert.Equal(t, []string{`{"b":2}`}, lines)
	assert.Equal(t, 0, f.pending())
}

// Splitting the stream at arbitrary byte boundaries must reassemble into the
// same sequence of lines as an unchunked delivery.
func TestFramerArbitrarySplits(t *testing.T) {
	payload := []byte("{\"id\":1}\n{\"id\":2,\"result\":{\"nested\":\"value\"}}\n{\"id\":3}\n\n{\"id\":4}\n")

	var whole lineFramer
	want := feedAll(&whole, payload)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 100; trial++ {
		var chunks [][]byte
		rest := payload
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}

		var f lineFramer
		got := feedAll(&f, chunks...)
		require.Equal(t, want, got, "trial %d with %d chunks", trial, len(chunks))
		require.Equal(t, 0, f.pending())
	}
}
