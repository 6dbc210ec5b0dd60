package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"protoeval/internal/cli/command"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Envelope mirrors the API response wrapper.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"trace_id"`
}

// Envelope decodes the body as an API envelope.
func (r ResponseInfo) Envelope() (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return env, fmt.Errorf("decode response failed: %w", err)
	}
	return env, nil
}

// Client wraps HTTP requests for CLI.
type Client struct {
	baseURL string
	timeout time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Send issues spec, encoding it as multipart when it carries form values or files.
func (c *Client) Send(ctx context.Context, spec command.RequestSpec) (ResponseInfo, error) {
	if len(spec.Form) == 0 && len(spec.Files) == 0 {
		return c.Do(ctx, spec.Method, spec.Path, nil)
	}
	body, contentType, err := encodeMultipart(spec.Form, spec.Files)
	if err != nil {
		return ResponseInfo{}, err
	}
	return c.do(ctx, spec.Method, spec.Path, contentType, body)
}

func (c *Client) Do(ctx context.Context, method, path string, body []byte) (ResponseInfo, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	return c.do(ctx, method, path, "application/json", reader)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (ResponseInfo, error) {
	var info ResponseInfo
	client := &http.Client{Timeout: c.timeout}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s%s", c.baseURL, path), body)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}

func encodeMultipart(form map[string]string, files []command.FilePart) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writer.WriteField(k, form[k]); err != nil {
			return nil, "", fmt.Errorf("write form field failed: %w", err)
		}
	}
	for _, file := range files {
		if err := copyFilePart(writer, file); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer failed: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func copyFilePart(writer *multipart.Writer, file command.FilePart) error {
	src, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("open %s failed: %w", file.Path, err)
	}
	defer func() { _ = src.Close() }()
	dst, err := writer.CreateFormFile(file.Field, filepath.Base(file.Path))
	if err != nil {
		return fmt.Errorf("create form file failed: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s failed: %w", file.Path, err)
	}
	return nil
}
