package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTable(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable()

	a := &Descriptor{Name: "a", Config: map[string]any{"k": "v"}}
	require.NoError(t, table.Insert(ctx, a))
	b := &Descriptor{Name: "b"}
	require.NoError(t, table.Insert(ctx, b))
	assert.Greater(t, b.Seq, a.Seq)

	require.ErrorIs(t, table.Insert(ctx, &Descriptor{Name: "a"}), ErrDuplicate)

	rows, err := table.Select(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Name)

	a.Config["k"] = "mutated"
	rows, _ = table.Select(ctx, Filter{Name: "a"})
	assert.Equal(t, "v", rows[0].Config["k"])

	n, err := table.Delete(ctx, Filter{Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = table.Count(ctx, Filter{})
	assert.Equal(t, 1, n)
}
