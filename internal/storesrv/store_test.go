package storesrv

import (
	"bytes"
	"log"
	"net"
	"testing"

	"github.com/etclab/pathoram-proxy/internal/block"
	"github.com/etclab/pathoram-proxy/internal/cryptoprov"
	"github.com/etclab/pathoram-proxy/internal/wire"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, cryptoprov.BucketCrypto, int) {
	t.Helper()
	crypto, err := cryptoprov.NewAESGCM(bytes.Repeat([]byte{0x11}, 32), 4, 8)
	require.NoError(t, err)
	cipherSize := crypto.Overhead() + 8 + 4*(8+8)
	store, err := New(3, cipherSize, SeedEmpty(crypto, 4, 8))
	require.NoError(t, err)
	return store, crypto, cipherSize
}

func TestReadPathReturnsSeededCiphertexts(t *testing.T) {
	store, _, cipherSize := testStore(t)
	out, err := store.ReadPath([]uint64{0, 1})
	require.NoError(t, err)
	require.Len(t, out, 2*cipherSize)
}

func TestWritePathsThenReadReflectsUpdate(t *testing.T) {
	store, crypto, cipherSize := testStore(t)

	blk := block.NewEmptyBucket(4, 8)
	blk.Slots[0] = block.Block{ID: 7, Data: []byte("ABCDEFGH")}
	ct, err := crypto.EncryptBucket(1, blk)
	require.NoError(t, err)
	require.Len(t, ct, cipherSize)

	require.NoError(t, store.WritePaths([]uint64{1}, ct))

	out, err := store.ReadPath([]uint64{1})
	require.NoError(t, err)
	require.Equal(t, ct, out)

	decoded, err := crypto.DecryptBucket(1, out)
	require.NoError(t, err)
	require.Equal(t, uint64(7), decoded.Slots[0].ID)
}

func TestWritePathsRejectsWrongLength(t *testing.T) {
	store, _, _ := testStore(t)
	err := store.WritePaths([]uint64{0}, []byte("too short"))
	require.Error(t, err)
}

func TestWritePathsRejectsOutOfRangeIndex(t *testing.T) {
	store, _, cipherSize := testStore(t)
	err := store.WritePaths([]uint64{99}, make([]byte, cipherSize))
	require.Error(t, err)
}

func TestHandlerServesReadAndWriteOverPipe(t *testing.T) {
	store, crypto, cipherSize := testStore(t)
	h := NewHandler(store, 2, 2, log.New(testWriter{t}, "", 0))

	clientConn, serverConn := net.Pipe()
	go h.Serve(serverConn)
	defer clientConn.Close()

	readReq := wire.ProxyReadRequestMsg{RelativeLeaf: 0}
	require.NoError(t, wire.WriteFrame(clientConn, wire.ProxyReadRequest, readReq.Marshal()))
	msgType, payload, err := wire.ReadFrame(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.ServerResponseRead, msgType)
	readResp, err := wire.UnmarshalServerResponseRead(payload)
	require.NoError(t, err)
	require.Len(t, readResp.EncryptedPathBytes, 2*cipherSize)

	blk := block.NewEmptyBucket(4, 8)
	blk.Slots[0] = block.Block{ID: 3, Data: []byte("WXYZWXYZ")}
	root, err := crypto.EncryptBucket(0, blk)
	require.NoError(t, err)
	leafBucket, err := crypto.EncryptBucket(1, block.NewEmptyBucket(4, 8))
	require.NoError(t, err)
	concatenated := append(append([]byte{}, root...), leafBucket...)

	writeReq := wire.ProxyWriteRequestMsg{
		Count:             1,
		PathSize:          uint32(2 * cipherSize),
		RelativeLeafIDs:   []uint64{0},
		ConcatenatedPaths: concatenated,
	}
	require.NoError(t, wire.WriteFrame(clientConn, wire.ProxyWriteRequest, writeReq.Marshal()))
	msgType, payload, err = wire.ReadFrame(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.ServerResponseWrite, msgType)
	writeResp, err := wire.UnmarshalServerResponseWrite(payload)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, writeResp.Status)
}

// testWriter adapts *testing.T into an io.Writer for log.New.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
