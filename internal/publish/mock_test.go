package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMock()
	var ops []string
	m.Hook = func(op string) { ops = append(ops, op) }
	m.ScriptOpen(ErrMockPublish)
	m.Script(nil, ErrMockPublish)

	_, err := m.Open(ctx)
	assert.Equal(t, ErrMockPublish, err)

	s, err := m.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Active())
	assert.NoError(t, s.Publish(ctx, []byte("a")))
	assert.Equal(t, ErrMockPublish, s.Publish(ctx, []byte("b")))
	assert.NoError(t, s.Publish(ctx, []byte("c")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.Publish(ctx, []byte("d")))

	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 2, m.Opens())
	assert.Equal(t, 4, m.Publishes())
	assert.Equal(t, [][]byte{[]byte("a"), []byte("c")}, m.Delivered())
	assert.Equal(t, []string{"open", "open", "publish", "publish", "publish", "close", "close", "publish"}, ops)
}
