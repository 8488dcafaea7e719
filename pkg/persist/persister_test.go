package persist_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/forgemirror/pkg/persist"
)

type orderState struct {
	Refs  map[string]string
	Order []string
}

func TestPersisterLZ4Gob(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := persist.NewPersister[orderState]("order", persist.NewLZ4Codec(persist.NewGobCodec()))

	order := make([]string, 0, 1000)
	for range 1000 {
		order = append(order, strings.Repeat("ab", 20))
	}

	want := &orderState{Refs: map[string]string{"refs/heads/main": "abc"}, Order: order}
	require.NoError(t, p.Save(dir, want))

	assert.Equal(t, filepath.Join(dir, "order.gob.lz4"), p.Path(dir))

	info, err := os.Stat(p.Path(dir))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(40*1000), "repetitive order must compress")

	got, err := p.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveStateReplacesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := persist.NewPersister[orderState]("meta", persist.NewJSONCodec())

	require.NoError(t, p.Save(dir, &orderState{Order: []string{"a"}}))
	require.NoError(t, p.Save(dir, &orderState{Order: []string{"b"}}))

	got, err := p.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.Order)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestLoadStateErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := persist.NewPersister[orderState]("missing", persist.NewGobCodec())

	_, err := p.Load(dir)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{{{"), 0o600))

	_, err = persist.NewPersister[orderState]("bad", persist.NewJSONCodec()).Load(dir)
	require.ErrorContains(t, err, "json decode")
}

func TestJSONCodecIndent(t *testing.T) {
	t.Parallel()

	var pretty, compact bytes.Buffer

	require.NoError(t, persist.NewJSONCodec().Encode(&pretty, orderState{Order: []string{"a"}}))
	require.NoError(t, (&persist.JSONCodec{}).Encode(&compact, orderState{Order: []string{"a"}}))

	assert.Contains(t, pretty.String(), "\n  ")
	assert.Equal(t, 1, strings.Count(compact.String(), "\n"))
}
