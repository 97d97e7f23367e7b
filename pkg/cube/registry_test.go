package cube

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCube_Registry_SaveAndReload(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	ctx := t.Context()
	registry := NewRegistry(testLogger(), conn)

	c, _ := testCube(t, conn)
	require.NoError(t, registry.Save(ctx, c, testModelDescription("spending")))

	loaded, err := registry.ByName(ctx, "spending")
	require.NoError(t, err)
	require.Equal(t, "spending", loaded.Name())
	require.Equal(t, "USD", loaded.Model().Currency)
	require.Len(t, loaded.Model().Fields(), 4)

	// The reconstructed cube is fully operational against the same store.
	require.NoError(t, loaded.Generate(ctx))
	require.NoError(t, loaded.Load(ctx, testRecord(t, 100)))
	count, err := loaded.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestCube_Registry_SaveIsUpsert(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	ctx := t.Context()
	registry := NewRegistry(testLogger(), conn)

	c, _ := testCube(t, conn)
	require.NoError(t, registry.Save(ctx, c, testModelDescription("spending")))

	desc := testModelDescription("spending")
	desc["dataset"].(map[string]any)["currency"] = "EUR"
	updated, err := New(&Config{Logger: testLogger(), Conn: conn, Model: desc})
	require.NoError(t, err)
	require.NoError(t, updated.Init())
	require.NoError(t, registry.Save(ctx, updated, desc))

	loaded, err := registry.ByName(ctx, "spending")
	require.NoError(t, err)
	require.Equal(t, "EUR", loaded.Model().Currency)

	names, err := registry.All(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"spending"}, names)
}

func TestCube_Registry_All(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	ctx := t.Context()
	registry := NewRegistry(testLogger(), conn)

	names, err := registry.All(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	for _, name := range []string{"zeta", "alpha"} {
		desc := testModelDescription(name)
		c, err := New(&Config{Logger: testLogger(), Conn: conn, Model: desc})
		require.NoError(t, err)
		require.NoError(t, c.Init())
		require.NoError(t, registry.Save(ctx, c, desc))
	}

	names, err = registry.All(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestCube_Registry_Delete(t *testing.T) {
	t.Parallel()
	conn := testConn(t)
	ctx := t.Context()
	registry := NewRegistry(testLogger(), conn)

	c, _ := testCube(t, conn)
	require.NoError(t, registry.Save(ctx, c, testModelDescription("spending")))
	require.NoError(t, registry.Delete(ctx, "spending"))

	_, err := registry.ByName(ctx, "spending")
	require.ErrorIs(t, err, ErrDatasetNotFound)
	require.ErrorIs(t, registry.Delete(ctx, "spending"), ErrDatasetNotFound)
}
