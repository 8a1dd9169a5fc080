// Package protocol implements the three-phase client/server exchange of
// spec.md §6.1 (C7): probe, upload_chunk, commit, plus a best-effort
// abort. It generalizes the teacher's B2-specific upload calls
// (b2/writer.go: fc.uploadPart, ue.uploadFile, f.finishLargeFile) into
// the generic JSON/multipart contract spec.md specifies, since the
// teacher's large-file-part protocol is vendor-specific and this one
// must work against any server implementing §6.1.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/filechunkpro/engine/ferrors"
	"github.com/filechunkpro/engine/retry"
)

// Client talks the §6.1 wire contract against BaseURL.
type Client struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	CommitTimeout  time.Duration
	log            zerolog.Logger
}

// New constructs a Client with the given base URL and sane defaults
// (spec.md §5 "Timeouts": 30s per-chunk, 60s commit).
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		BaseURL:        baseURL,
		HTTPClient:     &http.Client{},
		RequestTimeout: 30 * time.Second,
		CommitTimeout:  60 * time.Second,
		log:            log,
	}
}

// ProbeResult is one of the three response shapes of spec.md §6.1.
type ProbeResult struct {
	Exists         bool
	URL            string
	UploadedChunks []int
}

// Probe checks whether the server already has the file, and if not,
// which chunks it has already received. Any non-2xx response is
// tolerated per spec.md §6.1 and §9 ("probe is advisory") and treated as
// "no prior state", with the underlying condition logged so operators
// can distinguish a genuinely new file from a down probe endpoint.
func (c *Client) Probe(ctx context.Context, fingerprint, fileName string, fileSize int64, fileType string) (*ProbeResult, error) {
	body, err := json.Marshal(map[string]any{
		"hash":     fingerprint,
		"fileName": fileName,
		"fileSize": fileSize,
		"fileType": fileType,
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInvalidArgument, "encode probe request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/check", bytes.NewReader(body))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInvalidArgument, "build probe request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("probe transport error; treating as no prior state")
		return &ProbeResult{Exists: false}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().Int("status", resp.StatusCode).Msg("probe endpoint returned non-2xx; treating as no prior state")
		return &ProbeResult{Exists: false}, nil
	}

	var raw struct {
		Exists         bool   `json:"exists"`
		URL            string `json:"url"`
		UploadedChunks []int  `json:"uploadedChunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, ferrors.Wrap(ferrors.KindProtocolViolation, "decode probe response", err)
	}

	return &ProbeResult{Exists: raw.Exists, URL: raw.URL, UploadedChunks: raw.UploadedChunks}, nil
}

// UploadChunk POSTs one chunk's bytes as multipart form data. The caller
// classifies the returned error via retry.Classify using StatusCode.
func (c *Client) UploadChunk(ctx context.Context, fingerprint string, index, total int, data io.Reader) (statusCode int, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return 0, ferrors.Wrap(ferrors.KindInvalidArgument, "build chunk multipart", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return 0, ferrors.Wrap(ferrors.KindTransportNetwork, "read chunk bytes", err)
	}
	for field, value := range map[string]string{
		"hash":  fingerprint,
		"index": strconv.Itoa(index),
		"total": strconv.Itoa(total),
	} {
		if err := w.WriteField(field, value); err != nil {
			return 0, ferrors.Wrap(ferrors.KindInvalidArgument, "build chunk multipart", err)
		}
	}
	if err := w.Close(); err != nil {
		return 0, ferrors.Wrap(ferrors.KindInvalidArgument, "close chunk multipart", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chunk", &buf)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.KindInvalidArgument, "build chunk request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, ferrors.New(retry.Classify(nil, resp.StatusCode), fmt.Sprintf("chunk %d upload rejected", index))
	}
	return resp.StatusCode, nil
}

// CommitResult is the successful response of a commit call.
type CommitResult struct {
	URL string
}

// Commit instructs the server to assemble the uploaded chunks.
func (c *Client) Commit(ctx context.Context, fingerprint, fileName string, totalChunks int) (*CommitResult, int, error) {
	body, err := json.Marshal(map[string]any{
		"hash":        fingerprint,
		"fileName":    fileName,
		"totalChunks": totalChunks,
	})
	if err != nil {
		return nil, 0, ferrors.Wrap(ferrors.KindInvalidArgument, "encode commit request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.CommitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/merge", bytes.NewReader(body))
	if err != nil {
		return nil, 0, ferrors.Wrap(ferrors.KindInvalidArgument, "build commit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, ferrors.New(retry.Classify(nil, resp.StatusCode), "commit rejected")
	}

	var raw struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, resp.StatusCode, ferrors.Wrap(ferrors.KindProtocolViolation, "decode commit response", err)
	}
	if raw.URL == "" {
		return nil, resp.StatusCode, ferrors.New(ferrors.KindProtocolViolation, "commit response missing url")
	}

	return &CommitResult{URL: raw.URL}, resp.StatusCode, nil
}

// Abort issues a best-effort cleanup call; failures are ignored by the
// caller per spec.md §6.1.
func (c *Client) Abort(ctx context.Context, fingerprint string) {
	body, err := json.Marshal(map[string]any{"hash": fingerprint})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/abort", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("abort best-effort call failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

func classifyTransportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ferrors.Wrap(ferrors.KindTransportTimeout, "request timed out", err)
	}
	return ferrors.Wrap(ferrors.KindTransportNetwork, "request failed", err)
}
