package enablement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/definition"
)

func noop(_ context.Context, _ *definition.CallbackInput) (*definition.Completion, error) {
	return &definition.Completion{}, nil
}

// diamond: start -> split -(and)-> a,b -> join -(and)-> end
func diamondDef(t *testing.T) *definition.Definition {
	t.Helper()
	def, err := definition.NewBuilder("diamond", "1.0.0").
		StartCondition("start").
		EndCondition("end").
		Condition("a").
		Condition("b").
		Task("split", definition.WithKind(definition.KindAutomated), definition.WithSplit(definition.SplitAnd), definition.WithOnComplete(noop)).
		Task("join", definition.WithJoin(definition.JoinAnd)).
		Arc("start", "split").
		Arc("split", "a").
		Arc("split", "b").
		Arc("a", "join").
		Arc("b", "join").
		Arc("join", "end").
		Build()
	require.NoError(t, err)
	return def
}

func orJoinDef(t *testing.T) *definition.Definition {
	t.Helper()
	def, err := definition.NewBuilder("orjoin", "1.0.0").
		StartCondition("start").
		EndCondition("end").
		Condition("a").
		Condition("b").
		Task("fan", definition.WithKind(definition.KindAutomated), definition.WithSplit(definition.SplitOr), definition.WithOnComplete(noop)).
		Task("merge", definition.WithJoin(definition.JoinOr)).
		Arc("start", "fan").
		Arc("fan", "a").
		Arc("fan", "b").
		Arc("a", "merge").
		Arc("b", "merge").
		Arc("merge", "end").
		Build()
	require.NoError(t, err)
	return def
}

func TestJoinSatisfied(t *testing.T) {
	def := diamondDef(t)
	join, _ := def.Task("join")

	t.Run("Should hold an and-join until every input carries a token", func(t *testing.T) {
		marking := map[string]int{"a": 1, "b": 0}
		ok, err := JoinSatisfied(def, join, marking, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		marking["b"] = 1
		ok, err = JoinSatisfied(def, join, marking, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should satisfy an xor-join on any single marked input", func(t *testing.T) {
		split, _ := def.Task("split")
		ok, err := JoinSatisfied(def, split, map[string]int{"start": 1}, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should keep an or-join pending while a producer is still live", func(t *testing.T) {
		odef := orJoinDef(t)
		merge, _ := odef.Task("merge")
		statuses := map[string]core.TaskStatus{"fan": core.TaskStarted}
		ok, err := JoinSatisfied(odef, merge, map[string]int{"a": 1}, statuses)
		assert.False(t, ok)
		require.ErrorIs(t, err, core.ErrPendingOrJoin)
	})

	t.Run("Should fire an or-join once every live producer is terminal", func(t *testing.T) {
		odef := orJoinDef(t)
		merge, _ := odef.Task("merge")
		statuses := map[string]core.TaskStatus{"fan": core.TaskCompleted}
		ok, err := JoinSatisfied(odef, merge, map[string]int{"a": 1}, statuses)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should not fire an or-join with no token anywhere", func(t *testing.T) {
		odef := orJoinDef(t)
		merge, _ := odef.Task("merge")
		ok, err := JoinSatisfied(odef, merge, map[string]int{}, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestConsumeJoin(t *testing.T) {
	def := diamondDef(t)

	t.Run("Should consume one token per input on an and-join", func(t *testing.T) {
		join, _ := def.Task("join")
		marking := map[string]int{"a": 2, "b": 1}
		require.NoError(t, ConsumeJoin(join, marking))
		assert.Equal(t, 1, marking["a"])
		assert.Equal(t, 0, marking["b"])
	})

	t.Run("Should fail an and-join consume with a missing token", func(t *testing.T) {
		join, _ := def.Task("join")
		err := ConsumeJoin(join, map[string]int{"a": 1})
		require.ErrorIs(t, err, core.ErrNotEnabled)
	})

	t.Run("Should consume exactly one token on an xor-join", func(t *testing.T) {
		split, _ := def.Task("split")
		marking := map[string]int{"start": 2}
		require.NoError(t, ConsumeJoin(split, marking))
		assert.Equal(t, 1, marking["start"])
	})

	t.Run("Should consume every marked input on an or-join", func(t *testing.T) {
		odef := orJoinDef(t)
		merge, _ := odef.Task("merge")
		marking := map[string]int{"a": 1, "b": 1}
		require.NoError(t, ConsumeJoin(merge, marking))
		assert.Equal(t, 0, marking["a"])
		assert.Equal(t, 0, marking["b"])
	})

	t.Run("Should only touch conditions incident to the task", func(t *testing.T) {
		join, _ := def.Task("join")
		marking := map[string]int{"a": 1, "b": 1, "start": 3, "end": 2}
		require.NoError(t, ConsumeJoin(join, marking))
		assert.Equal(t, 3, marking["start"])
		assert.Equal(t, 2, marking["end"])
	})
}

func TestProduceSplit(t *testing.T) {
	def := diamondDef(t)

	t.Run("Should mark every output on an and-split ignoring choice", func(t *testing.T) {
		split, _ := def.Task("split")
		marking := map[string]int{}
		require.NoError(t, ProduceSplit(split, []string{"a"}, marking))
		assert.Equal(t, 1, marking["a"])
		assert.Equal(t, 1, marking["b"])
	})

	t.Run("Should default a single-output xor-split with no choice", func(t *testing.T) {
		join, _ := def.Task("join")
		marking := map[string]int{}
		require.NoError(t, ProduceSplit(join, nil, marking))
		assert.Equal(t, 1, marking["end"])
	})

	t.Run("Should reject an xor choice that is not an output", func(t *testing.T) {
		join, _ := def.Task("join")
		err := ProduceSplit(join, []string{"start"}, map[string]int{})
		require.Error(t, err)
	})

	t.Run("Should mark the chosen subset on an or-split", func(t *testing.T) {
		odef := orJoinDef(t)
		fan, _ := odef.Task("fan")
		marking := map[string]int{}
		require.NoError(t, ProduceSplit(fan, []string{"b"}, marking))
		assert.Equal(t, 0, marking["a"])
		assert.Equal(t, 1, marking["b"])
	})

	t.Run("Should reject an empty or-split choice", func(t *testing.T) {
		odef := orJoinDef(t)
		fan, _ := odef.Task("fan")
		err := ProduceSplit(fan, nil, map[string]int{})
		require.Error(t, err)
	})

	t.Run("Should conserve tokens through a consume then produce cycle", func(t *testing.T) {
		split, _ := def.Task("split")
		marking := map[string]int{"start": 1}
		require.NoError(t, ConsumeJoin(split, marking))
		require.NoError(t, ProduceSplit(split, nil, marking))
		total := 0
		for _, n := range marking {
			total += n
		}
		assert.Equal(t, 2, total) // one token in, two out across the and-split
	})
}
