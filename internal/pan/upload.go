package pan

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // vendor protocol mandates MD5 block digests
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Chunks are fixed at 4 MiB; the final chunk may be shorter. The same byte
// boundaries are used for hashing and for transfer; the vendor validates
// the committed block list against both.
const chunkSize = 4 * 1024 * 1024

// defaultUploadBaseURL is the data-plane host for chunk transfer. It is a
// distinct host from the control-plane xpan endpoints.
const defaultUploadBaseURL = "https://d.pcs.baidu.com/rest/2.0/pcs"

// Client uploads local files to Baidu Pan using bearer tokens from a
// TokenManager. One Upload call is strictly sequential end-to-end: block
// list, precreate, chunk loop in ascending index order, then create.
type Client struct {
	tokens     *TokenManager
	httpClient *http.Client
	logger     *slog.Logger

	// Test seams.
	apiBase    string
	uploadBase string
}

// NewClient creates an upload client. httpClient may be nil
// (http.DefaultClient); logger may be nil.
func NewClient(tokens *TokenManager, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
		apiBase:    defaultAPIBaseURL,
		uploadBase: defaultUploadBaseURL,
	}
}

// Name identifies this uploader in logs and the backup journal.
func (c *Client) Name() string {
	return "baidu-pan"
}

// session is the state of one upload transaction. It exists only between a
// successful precreate and the final create; a crash loses the upload id and
// the next attempt starts from a fresh precreate.
type session struct {
	remotePath string
	size       int64
	uploadID   string
	blocks     []string
}

// Upload stores the file at localPath under remoteDir on the vendor side.
// The remote name is the local base name; remoteDir's trailing slashes are
// stripped before joining. Returns true on a committed upload.
//
// Any failure aborts the whole transfer: there is no per-chunk retry and no
// resumption of a partially-uploaded session across calls.
func (c *Client) Upload(ctx context.Context, localPath, remoteDir string) (bool, error) {
	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(localPath)
	if err != nil || !info.Mode().IsRegular() {
		return false, fmt.Errorf("%w: %s", ErrLocalFileMissing, localPath)
	}

	remotePath := joinRemotePath(remoteDir, filepath.Base(localPath))

	c.logger.Info("starting upload",
		slog.String("local_path", localPath),
		slog.Int64("size", info.Size()),
		slog.String("remote_path", remotePath),
	)

	blocks, err := computeBlockList(localPath)
	if err != nil {
		return false, err
	}

	sess, err := c.precreate(ctx, tok, remotePath, info.Size(), blocks)
	if err != nil {
		return false, err
	}

	if err := c.uploadChunks(ctx, tok, localPath, sess); err != nil {
		return false, err
	}

	if err := c.create(ctx, tok, sess); err != nil {
		return false, err
	}

	c.logger.Info("upload complete",
		slog.String("remote_path", remotePath),
	)

	return true, nil
}

// joinRemotePath joins the vendor-side directory with the local base name.
// The name is NFC-normalized so macOS NFD filenames match what the vendor
// displays. Concatenation is otherwise literal.
func joinRemotePath(remoteDir, name string) string {
	return strings.TrimRight(remoteDir, "/") + "/" + norm.NFC.String(name)
}

// computeBlockList stream-reads the file in fixed chunkSize windows and
// returns the hex MD5 digest of each window, in order.
func computeBlockList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pan: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	var blocks []string

	buf := make([]byte, chunkSize)

	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			sum := md5.Sum(buf[:n]) //nolint:gosec // vendor protocol mandates MD5
			blocks = append(blocks, hex.EncodeToString(sum[:]))
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return blocks, nil
		}

		if readErr != nil {
			return nil, fmt.Errorf("pan: reading %s: %w", path, readErr)
		}
	}
}

// precreate registers the intended upload with the vendor and captures the
// upload id that scopes the chunk transfers.
func (c *Client) precreate(
	ctx context.Context, tok, remotePath string, size int64, blocks []string,
) (*session, error) {
	c.logger.Debug("sending precreate request",
		slog.String("remote_path", remotePath),
		slog.Int("blocks", len(blocks)),
	)

	blockJSON, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("pan: encoding block list: %w", err)
	}

	form := url.Values{
		"path":       {remotePath},
		"size":       {strconv.FormatInt(size, 10)},
		"isdir":      {"0"},
		"autoinit":   {"1"},
		"block_list": {string(blockJSON)},
	}

	reqURL := c.apiBase + "/file?method=precreate&access_token=" + url.QueryEscape(tok)

	var pr precreateResponse
	if err := c.postForm(ctx, reqURL, form, &pr); err != nil {
		return nil, fmt.Errorf("pan: precreate request failed: %w", err)
	}

	if pr.Errno != 0 {
		return nil, &APIError{Op: "precreate", Errno: pr.Errno, Err: ErrPrecreateRejected}
	}

	if pr.UploadID == "" {
		return nil, fmt.Errorf("pan: precreate returned no upload id")
	}

	c.logger.Info("precreate successful",
		slog.String("upload_id", pr.UploadID),
	)

	return &session{
		remotePath: remotePath,
		size:       size,
		uploadID:   pr.UploadID,
		blocks:     blocks,
	}, nil
}

// uploadChunks re-opens the file and transfers one chunk per block, strictly
// in ascending index order. The read discipline matches computeBlockList so
// both passes partition the file identically.
func (c *Client) uploadChunks(ctx context.Context, tok, localPath string, sess *session) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("pan: opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)

	for i := range sess.blocks {
		n, readErr := io.ReadFull(f, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("pan: reading chunk %d: %w", i, readErr)
		}

		if n == 0 {
			return fmt.Errorf("pan: file shrank during upload: no data for chunk %d", i)
		}

		c.logger.Info("uploading chunk",
			slog.Int("index", i),
			slog.Int("total", len(sess.blocks)),
			slog.Int("bytes", n),
		)

		if err := c.uploadChunk(ctx, tok, sess, i, buf[:n]); err != nil {
			return err
		}
	}

	c.logger.Debug("all chunks uploaded",
		slog.Int("total", len(sess.blocks)),
	)

	return nil
}

// uploadChunk transfers a single chunk as one multipart field tagged with
// the upload id and zero-based sequence number.
func (c *Client) uploadChunk(ctx context.Context, tok string, sess *session, index int, chunk []byte) error {
	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "file")
	if err != nil {
		return fmt.Errorf("pan: creating multipart field: %w", err)
	}

	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("pan: writing multipart field: %w", err)
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("pan: finalizing multipart body: %w", err)
	}

	q := url.Values{
		"method":       {"upload"},
		"access_token": {tok},
		"type":         {"tmpfile"},
		"path":         {sess.remotePath},
		"uploadid":     {sess.uploadID},
		"partseq":      {strconv.Itoa(index)},
	}

	reqURL := c.uploadBase + "/superfile2?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return fmt.Errorf("pan: creating chunk request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pan: chunk %d request failed: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("chunk upload failed",
			slog.Int("index", index),
			slog.Int("status", resp.StatusCode),
		)

		return &ChunkError{Index: index, Status: resp.StatusCode}
	}

	// Drain body to reuse the connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("pan: draining chunk response body: %w", drainErr)
	}

	return nil
}

// create commits the finished upload, making the file visible at its remote
// path. Never called before every chunk has been accepted.
func (c *Client) create(ctx context.Context, tok string, sess *session) error {
	c.logger.Debug("sending create request",
		slog.String("remote_path", sess.remotePath),
	)

	blockJSON, err := json.Marshal(sess.blocks)
	if err != nil {
		return fmt.Errorf("pan: encoding block list: %w", err)
	}

	form := url.Values{
		"path":       {sess.remotePath},
		"size":       {strconv.FormatInt(sess.size, 10)},
		"isdir":      {"0"},
		"uploadid":   {sess.uploadID},
		"block_list": {string(blockJSON)},
	}

	reqURL := c.apiBase + "/file?method=create&access_token=" + url.QueryEscape(tok)

	var cr createResponse
	if err := c.postForm(ctx, reqURL, form, &cr); err != nil {
		return fmt.Errorf("pan: create request failed: %w", err)
	}

	if cr.Errno != 0 {
		return &APIError{Op: "create", Errno: cr.Errno, Err: ErrCommitRejected}
	}

	c.logger.Debug("create successful",
		slog.Uint64("fs_id", cr.FsID),
	)

	return nil
}

// postForm sends a form-encoded POST and decodes the JSON response into out.
func (c *Client) postForm(ctx context.Context, reqURL string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
		return fmt.Errorf("decoding response: %w", decErr)
	}

	return nil
}
