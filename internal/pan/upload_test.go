package pan

import (
	"context"
	"crypto/md5" //nolint:gosec // matching the vendor's block digest
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newUploadTestClient returns a Client whose control and data planes both
// point at srvURL, backed by a TokenManager holding a valid credential so
// no token traffic occurs.
func newUploadTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()

	m := newTestTokenManager(t, &memStore{cred: validCredential()}, &fixedPrompt{}, srvURL)
	m.cred = validCredential()

	c := NewClient(m, http.DefaultClient, nil)
	c.apiBase = srvURL
	c.uploadBase = srvURL

	return c
}

// writeTestFile creates a file of the given size with deterministic,
// position-dependent content so chunk mixups are detectable.
func writeTestFile(t *testing.T, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// expectedBlocks computes the reference MD5 block list for a file.
func expectedBlocks(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var blocks []string

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}

		sum := md5.Sum(data[off:end]) //nolint:gosec // reference digest
		blocks = append(blocks, hex.EncodeToString(sum[:]))
	}

	return blocks
}

// panServer is a fake vendor backend recording the protocol sequence.
type panServer struct {
	t *testing.T

	events   []string
	chunks   map[int][]byte
	uploadID string

	precreateErrno int
	createErrno    int
	failChunk      int // partseq to fail with 503; -1 disables
}

func newPanServer(t *testing.T) *panServer {
	t.Helper()

	return &panServer{
		t:         t,
		chunks:    map[int][]byte{},
		uploadID:  "upid-test-1",
		failChunk: -1,
	}
}

func (s *panServer) start() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/file", s.handleFile)
	mux.HandleFunc("/superfile2", s.handleChunk)

	srv := httptest.NewServer(mux)
	s.t.Cleanup(srv.Close)

	return srv
}

func (s *panServer) handleFile(w http.ResponseWriter, r *http.Request) {
	require.NoError(s.t, r.ParseForm())
	assert.Equal(s.t, "0", r.PostFormValue("isdir"))
	assert.NotEmpty(s.t, r.PostFormValue("path"))
	assert.NotEmpty(s.t, r.PostFormValue("block_list"))

	switch r.URL.Query().Get("method") {
	case "precreate":
		s.events = append(s.events, "precreate")
		assert.Equal(s.t, "1", r.PostFormValue("autoinit"))
		fmt.Fprintf(w, `{"errno":%d,"uploadid":%q}`, s.precreateErrno, s.uploadID)
	case "create":
		s.events = append(s.events, "create")
		assert.Equal(s.t, s.uploadID, r.PostFormValue("uploadid"))
		fmt.Fprintf(w, `{"errno":%d,"fs_id":42}`, s.createErrno)
	default:
		s.t.Errorf("unexpected file method: %s", r.URL.Query().Get("method"))
	}
}

func (s *panServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	assert.Equal(s.t, "upload", q.Get("method"))
	assert.Equal(s.t, "tmpfile", q.Get("type"))
	assert.Equal(s.t, s.uploadID, q.Get("uploadid"))
	assert.NotEmpty(s.t, q.Get("access_token"))

	seq, err := strconv.Atoi(q.Get("partseq"))
	require.NoError(s.t, err)

	s.events = append(s.events, "chunk"+q.Get("partseq"))

	if seq == s.failChunk {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	f, _, err := r.FormFile("file")
	require.NoError(s.t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(s.t, err)
	s.chunks[seq] = data

	fmt.Fprint(w, `{"errno":0}`)
}

func TestUpload_TenMiBFile(t *testing.T) {
	const size = 10 * 1024 * 1024

	path := writeTestFile(t, size)
	want := expectedBlocks(t, path)
	require.Len(t, want, 3)

	backend := newPanServer(t)
	srv := backend.start()
	client := newUploadTestClient(t, srv.URL)

	ok, err := client.Upload(context.Background(), path, "/backups/")
	require.NoError(t, err)
	assert.True(t, ok)

	// 3-entry block list, 3 sequential chunk calls, one commit.
	assert.Equal(t, []string{"precreate", "chunk0", "chunk1", "chunk2", "create"}, backend.events)

	// Chunk boundaries match the hashing pass: 4 MiB, 4 MiB, 2 MiB.
	assert.Len(t, backend.chunks[0], chunkSize)
	assert.Len(t, backend.chunks[1], chunkSize)
	assert.Len(t, backend.chunks[2], size-2*chunkSize)

	// Concatenating the transferred chunks reproduces the file bit-for-bit.
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	var joined []byte
	for i := 0; i < 3; i++ {
		joined = append(joined, backend.chunks[i]...)
	}

	assert.Equal(t, original, joined)
}

func TestUpload_SendsBlockListToPrecreate(t *testing.T) {
	path := writeTestFile(t, 5*1024*1024)
	want := expectedBlocks(t, path)

	var gotBlockList string

	backend := newPanServer(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("method") == "precreate" {
			require.NoError(t, r.ParseForm())
			gotBlockList = r.PostFormValue("block_list")
		}

		backend.handleFile(w, r)
	})
	mux.HandleFunc("/superfile2", backend.handleChunk)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newUploadTestClient(t, srv.URL)

	_, err := client.Upload(context.Background(), path, "/backups")
	require.NoError(t, err)

	// block_list travels as a JSON-encoded array of hex digests.
	var decoded []string
	require.NoError(t, json.Unmarshal([]byte(gotBlockList), &decoded))
	assert.Equal(t, want, decoded)
}

func TestUpload_PrecreateRejectedStopsProtocol(t *testing.T) {
	path := writeTestFile(t, 1024)

	backend := newPanServer(t)
	backend.precreateErrno = -7
	srv := backend.start()
	client := newUploadTestClient(t, srv.URL)

	ok, err := client.Upload(context.Background(), path, "/backups")
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrecreateRejected)

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, -7, ae.Errno)

	// No chunk or commit traffic after a rejected precreate.
	assert.Equal(t, []string{"precreate"}, backend.events)
}

func TestUpload_ChunkFailureAbortsRemainder(t *testing.T) {
	path := writeTestFile(t, 10*1024*1024)

	backend := newPanServer(t)
	backend.failChunk = 1
	srv := backend.start()
	client := newUploadTestClient(t, srv.URL)

	ok, err := client.Upload(context.Background(), path, "/backups")
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChunkFailed)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, http.StatusServiceUnavailable, ce.Status)

	// Chunk 2 is never sent and the commit never happens.
	assert.Equal(t, []string{"precreate", "chunk0", "chunk1"}, backend.events)
}

func TestUpload_CommitRejected(t *testing.T) {
	path := writeTestFile(t, 1024)

	backend := newPanServer(t)
	backend.createErrno = 2
	srv := backend.start()
	client := newUploadTestClient(t, srv.URL)

	ok, err := client.Upload(context.Background(), path, "/backups")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCommitRejected)
}

func TestUpload_MissingLocalFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected network call: %s", r.URL)
	}))
	defer srv.Close()

	client := newUploadTestClient(t, srv.URL)

	ok, err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "absent.bin"), "/backups")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLocalFileMissing)
}

func TestUpload_DirectoryIsNotARegularFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected network call: %s", r.URL)
	}))
	defer srv.Close()

	client := newUploadTestClient(t, srv.URL)

	ok, err := client.Upload(context.Background(), t.TempDir(), "/backups")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLocalFileMissing)
}

func TestComputeBlockList_Sizing(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantBlocks int
	}{
		{"empty", 0, 0},
		{"one byte", 1, 1},
		{"exactly one chunk", chunkSize, 1},
		{"one chunk plus one byte", chunkSize + 1, 2},
		{"two and a half chunks", 2*chunkSize + chunkSize/2, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTestFile(t, tc.size)

			blocks, err := computeBlockList(path)
			require.NoError(t, err)
			assert.Len(t, blocks, tc.wantBlocks)
			assert.Equal(t, expectedBlocks(t, path), blocks)
		})
	}
}

func TestJoinRemotePath(t *testing.T) {
	assert.Equal(t, "/backups/db.tar.zst", joinRemotePath("/backups", "db.tar.zst"))
	assert.Equal(t, "/backups/db.tar.zst", joinRemotePath("/backups/", "db.tar.zst"))
	assert.Equal(t, "/backups/db.tar.zst", joinRemotePath("/backups///", "db.tar.zst"))

	// NFD input (macOS) is normalized to NFC.
	nfd := "re\u0301sume\u0301.tar.zst"
	assert.Equal(t, "/backups/r\u00e9sum\u00e9.tar.zst", joinRemotePath("/backups", nfd))
}
