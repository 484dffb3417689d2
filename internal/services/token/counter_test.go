package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_Count(t *testing.T) {
	counter := NewCounter()

	t.Run("empty text is zero", func(t *testing.T) {
		assert.Equal(t, 0, counter.Count("", "gpt-4o-mini"))
	})

	t.Run("non-empty text is positive", func(t *testing.T) {
		assert.Greater(t, counter.Count("olá mundo", "gpt-4o-mini"), 0)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		text := "Incentivos à digitalização de PME na região Norte."
		first := counter.Count(text, "gpt-4o-mini")
		second := counter.Count(text, "gpt-4o-mini")
		assert.Equal(t, first, second)
	})

	t.Run("longer text counts more", func(t *testing.T) {
		short := counter.Count("apoio", "gpt-4o-mini")
		long := counter.Count(strings.Repeat("apoio ao investimento empresarial ", 50), "gpt-4o-mini")
		assert.Greater(t, long, short)
	})

	t.Run("unknown model still counts", func(t *testing.T) {
		n := counter.Count("candidatura ao programa", "some-future-model")
		assert.Greater(t, n, 0)
	})
}

func TestCounter_Concurrent(t *testing.T) {
	counter := NewCounter()
	text := strings.Repeat("medida de apoio ", 100)

	want := counter.Count(text, "gpt-4o-mini")
	require.Greater(t, want, 0)

	done := make(chan int, 16)
	for i := 0; i < 16; i++ {
		go func() {
			done <- counter.Count(text, "gpt-4o-mini")
		}()
	}
	for i := 0; i < 16; i++ {
		assert.Equal(t, want, <-done)
	}
}

func TestEstimateFast(t *testing.T) {
	t.Run("blank is zero", func(t *testing.T) {
		assert.Equal(t, 0, estimateFast(""))
		assert.Equal(t, 0, estimateFast("   \n\t  "))
	})

	t.Run("word count floor", func(t *testing.T) {
		// 4 words but only 7 runes, the word count wins.
		assert.Equal(t, 4, estimateFast("a b c d"))
	})

	t.Run("runes over four for dense text", func(t *testing.T) {
		assert.Equal(t, 10, estimateFast(strings.Repeat("x", 40)))
	})
}
