package footprint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protocolInput(t *testing.T, hello WorkerHello, tiles ...Tile) *strings.Reader {
	t.Helper()
	var b strings.Builder
	enc := json.NewEncoder(&b)
	require.NoError(t, enc.Encode(hello))
	for _, tile := range tiles {
		require.NoError(t, enc.Encode(tileRequest{Tile: tile}))
	}
	return strings.NewReader(b.String())
}

func decodeResponses(t *testing.T, out *bytes.Buffer) []tileResponse {
	t.Helper()
	var resps []tileResponse
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		var r tileResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		resps = append(resps, r)
	}
	return resps
}

func TestServeWorker(t *testing.T) {
	tiles, err := Partition(BoundingBox{0, 0, 20, 10}, 10)
	require.NoError(t, err)

	var gotHello WorkerHello
	factory := func(h WorkerHello) (TileProcessor, error) {
		gotHello = h
		return helperProcessor{mode: "fail:1"}, nil
	}
	hello := WorkerHello{WorkerID: 7, Dataset: "scan.las", Params: testParams()}

	var out bytes.Buffer
	err = ServeWorker(context.Background(), protocolInput(t, hello, tiles...), &out, factory)
	require.NoError(t, err)
	assert.Equal(t, hello, gotHello)

	resps := decodeResponses(t, &out)
	require.Len(t, resps, 2)

	assert.Equal(t, 0, resps[0].TileID)
	assert.Empty(t, resps[0].Error)
	require.Len(t, resps[0].Footprints, 1)
	assert.Equal(t, 1, resps[0].Footprints[0].ClusterID)
	assert.Equal(t, squareFootprint(0, 1, 1, 1, 2).Polygon, resps[0].Footprints[0].Polygon)

	assert.Equal(t, 1, resps[1].TileID)
	assert.Equal(t, "synthetic failure", resps[1].Error)
	assert.Empty(t, resps[1].Footprints)
}

func TestServeWorkerUnwrapsTileErrors(t *testing.T) {
	factory := func(WorkerHello) (TileProcessor, error) {
		return NewTileWorker(NewMemoryDataset("scene", syntheticScene(BoundingBox{0, 0, 40, 40}, 0.5, 6, BoundingBox{10, 10, 20, 20})), panickingEngine{}, testParams()), nil
	}
	var out bytes.Buffer
	tile := Tile{ID: 4, Bounds: BoundingBox{0, 0, 40, 40}, LastColumn: true, LastRow: true}
	require.NoError(t, ServeWorker(context.Background(), protocolInput(t, WorkerHello{}, tile), &out, factory))

	resps := decodeResponses(t, &out)
	require.Len(t, resps, 1)
	assert.Equal(t, 4, resps[0].TileID)
	assert.True(t, strings.HasPrefix(resps[0].Error, "panic: index out of range"), resps[0].Error)
}

func TestServeWorkerProtocolErrors(t *testing.T) {
	ok := func(WorkerHello) (TileProcessor, error) { return helperProcessor{mode: "serve"}, nil }

	t.Run("no hello is a clean exit", func(t *testing.T) {
		var out bytes.Buffer
		assert.NoError(t, ServeWorker(context.Background(), strings.NewReader(""), &out, ok))
		assert.Zero(t, out.Len())
	})

	t.Run("bad hello", func(t *testing.T) {
		err := ServeWorker(context.Background(), strings.NewReader("{nope\n"), &bytes.Buffer{}, ok)
		assert.ErrorContains(t, err, "decoding hello")
	})

	t.Run("factory failure", func(t *testing.T) {
		bad := func(WorkerHello) (TileProcessor, error) { return nil, errors.New("no dataset") }
		err := ServeWorker(context.Background(), protocolInput(t, WorkerHello{WorkerID: 3}), &bytes.Buffer{}, bad)
		assert.ErrorContains(t, err, "starting worker 3")
	})

	t.Run("bad request", func(t *testing.T) {
		in := strings.NewReader("{}\nnot json\n")
		err := ServeWorker(context.Background(), in, &bytes.Buffer{}, ok)
		assert.ErrorContains(t, err, "decoding request")
	})
}

func TestNativeWorkerFactory(t *testing.T) {
	path := writeTextFile(t, "pts.xyz", "0 0 1\n1 1 1\n")
	proc, err := NativeWorkerFactory(WorkerHello{Dataset: path, Params: testParams()})
	require.NoError(t, err)
	tw, ok := proc.(*TileWorker)
	require.True(t, ok)
	assert.NoError(t, tw.Dataset.Close())

	_, err = NativeWorkerFactory(WorkerHello{Dataset: "missing.las"})
	assert.Error(t, err)
}
