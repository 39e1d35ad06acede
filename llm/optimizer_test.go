package llm

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chars(n int) string { return strings.Repeat("a", n) }

func TestOptimize_SingleUserTurn(t *testing.T) {
	o := NewOptimizer(OptimizerConfig{TokenBudget: 100000, CharsPerToken: 4, SystemPrompt: "be nice"})

	out, err := o.Optimize([]Turn{{Role: RoleUser, Content: "Hello"}})
	require.NoError(t, err)

	require.Equal(t, []Turn{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "Hello"},
	}, out.Turns)
	assert.False(t, out.Truncated)
	assert.False(t, out.Overflow)
	assert.Equal(t, EstimateTokens("be nice", 4)+EstimateTokens("Hello", 4), out.EstimatedTokens)
}

func TestOptimize_RetainsMostRecentHistory(t *testing.T) {
	turns := []Turn{{Role: RoleSystem, Content: chars(500 * 4)}}
	for i := 0; i < 60; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		// Prefix keeps every turn distinct while staying at exactly 2000 tokens.
		body := fmt.Sprintf("%02d", i) + chars(2000*4-2)
		turns = append(turns, Turn{Role: role, Content: body})
	}
	latest := Turn{Role: RoleUser, Content: chars(1000 * 4)}
	turns = append(turns, latest)

	out, err := Optimize(turns, 10000, 4)
	require.NoError(t, err)

	assert.Equal(t, 4, out.RetainedHistory)
	assert.Equal(t, 56, out.DroppedHistory)
	require.Len(t, out.Turns, 6)
	assert.Equal(t, turns[0], out.Turns[0])
	assert.Equal(t, turns[57:61], out.Turns[1:5])
	assert.Equal(t, latest, out.Turns[5])
	assert.Equal(t, 9500, out.EstimatedTokens)
}

func TestOptimize_TruncatesOversizedLatestTurn(t *testing.T) {
	content := chars(500000)
	out, err := Optimize([]Turn{{Role: RoleUser, Content: content}}, 100000, 4)
	require.NoError(t, err)

	last := out.Turns[len(out.Turns)-1]
	assert.True(t, out.Truncated)
	assert.Equal(t, RoleUser, last.Role)
	assert.Equal(t, content[:320000]+TruncationMarker, last.Content)
	assert.True(t, strings.HasSuffix(last.Content, TruncationMarker))
	assert.Equal(t, EstimateTokens(out.Turns[0].Content, 4)+EstimateTokens(last.Content, 4), out.EstimatedTokens)
}

func TestOptimize_TruncatesByCodePoint(t *testing.T) {
	content := strings.Repeat("é", 100)
	out, err := Optimize([]Turn{{Role: RoleUser, Content: content}}, 10, 4)
	require.NoError(t, err)

	last := out.Turns[len(out.Turns)-1].Content
	require.True(t, utf8.ValidString(last))
	assert.Equal(t, strings.Repeat("é", 32)+TruncationMarker, last)
}

func TestOptimize_OverflowKeepsMandatoryTurns(t *testing.T) {
	turns := []Turn{
		{Role: RoleSystem, Content: chars(400)},
		{Role: RoleUser, Content: "earlier"},
		{Role: RoleAssistant, Content: "answer"},
		{Role: RoleUser, Content: chars(40)},
	}
	out, err := Optimize(turns, 10, 4)
	require.NoError(t, err)

	assert.True(t, out.Overflow)
	require.Len(t, out.Turns, 2)
	assert.Equal(t, RoleSystem, out.Turns[0].Role)
	assert.Equal(t, RoleUser, out.Turns[1].Role)
	assert.Equal(t, 2, out.DroppedHistory)
}

func TestOptimize_SystemTurnNotFirst(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "one"},
		{Role: RoleSystem, Content: "steer"},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
	}
	out, err := Optimize(turns, 1000, 4)
	require.NoError(t, err)

	assert.Equal(t, []Turn{
		{Role: RoleSystem, Content: "steer"},
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
	}, out.Turns)
}

func TestOptimize_InvalidInput(t *testing.T) {
	cases := map[string][]Turn{
		"empty":          nil,
		"missing role":   {{Content: "hi"}},
		"blank content":  {{Role: RoleUser, Content: "   "}},
		"unknown role":   {{Role: "tool", Content: "x"}, {Role: RoleUser, Content: "hi"}},
		"two systems":    {{Role: RoleSystem, Content: "a"}, {Role: RoleSystem, Content: "b"}, {Role: RoleUser, Content: "hi"}},
		"ends assistant": {{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
	}
	for name, turns := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Optimize(turns, 1000, 4)
			require.Error(t, err)
			assert.Equal(t, KindInvalidInput, KindOf(err))
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("", 4))
	assert.Equal(t, 1, EstimateTokens("a", 4))
	assert.Equal(t, 1, EstimateTokens("abcd", 4))
	assert.Equal(t, 2, EstimateTokens("abcde", 4))
	assert.Equal(t, 2, EstimateTokens("abcde", 0))
}

func TestOptimize_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	roles := []Role{RoleUser, RoleAssistant}

	for iter := 0; iter < 300; iter++ {
		budget := 20 + rng.Intn(2000)
		cpt := 1 + rng.Intn(6)

		var turns []Turn
		if rng.Intn(2) == 0 {
			turns = append(turns, Turn{Role: RoleSystem, Content: fmt.Sprintf("sys-%d-", iter) + chars(rng.Intn(200))})
		}
		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			turns = append(turns, Turn{Role: roles[i%2], Content: fmt.Sprintf("t%d-", i) + chars(rng.Intn(400))})
		}
		latest := Turn{Role: RoleUser, Content: "latest-" + chars(rng.Intn(budget*cpt*2))}
		turns = append(turns, latest)

		o := NewOptimizer(OptimizerConfig{TokenBudget: budget, CharsPerToken: cpt, SystemPrompt: "default"})
		out, err := o.Optimize(turns)
		require.NoError(t, err)

		// Exactly one system turn, first; latest user (or its truncated form) last.
		systems := 0
		for _, turn := range out.Turns {
			if turn.Role == RoleSystem {
				systems++
			}
		}
		require.Equal(t, 1, systems)
		require.Equal(t, RoleSystem, out.Turns[0].Role)
		last := out.Turns[len(out.Turns)-1]
		if out.Truncated {
			require.True(t, strings.HasSuffix(last.Content, TruncationMarker))
			require.True(t, strings.HasPrefix(latest.Content, strings.TrimSuffix(last.Content, TruncationMarker)))
		} else {
			require.Equal(t, latest, last)
		}

		// Budget holds whenever the mandatory pair fits.
		sum := 0
		for _, turn := range out.Turns {
			sum += EstimateTokens(turn.Content, cpt)
		}
		require.Equal(t, out.EstimatedTokens, sum)
		mandatory := EstimateTokens(out.Turns[0].Content, cpt) + EstimateTokens(latest.Content, cpt)
		if mandatory <= budget {
			require.LessOrEqual(t, sum, budget)
		}

		// Retained history is an order-preserving subsequence of the input.
		pos := 0
		for _, turn := range out.Turns[1 : len(out.Turns)-1] {
			found := false
			for pos < len(turns)-1 {
				if turns[pos] == turn {
					found = true
					pos++
					break
				}
				pos++
			}
			require.True(t, found, "history turn out of order: %q", turn.Content)
		}
	}
}
