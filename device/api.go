package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPPort is the port of the printer's HTTP API.
const HTTPPort = 8080

// ErrNetwork marks a transport-level failure: connection refused, DNS
// failure or timeout, with no HTTP response at all. Callers treat it as
// a transient condition distinct from any HTTP status code.
var ErrNetwork = errors.New("network unavailable")

// ConnectResult is the outcome of POST /connect.
type ConnectResult struct {
	Code  int
	Token string
}

// StatusResult is the outcome of GET /status.
type StatusResult struct {
	Code   int
	Status string
}

// UploadResult is the outcome of POST /upload.
type UploadResult struct {
	Code int
	Body string
}

// ProgressFunc reports upload progress as bytes sent out of total.
type ProgressFunc func(sent, total int64)

// API is the printer's token-based HTTP interface. All calls may fail
// with an error wrapping ErrNetwork when no HTTP response was received.
type API interface {
	Connect(ctx context.Context, token string) (*ConnectResult, error)
	Status(ctx context.Context, token string) (*StatusResult, error)
	Upload(ctx context.Context, token, filename string, payload []byte, progress ProgressFunc) (*UploadResult, error)
	Disconnect(ctx context.Context, token string) error
}

// Client talks to one printer's HTTP API at http://{addr}:8080/api/v1.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates an API client for the printer at addr.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{
		base: fmt.Sprintf("http://%s:%d/api/v1", addr, HTTPPort),
		http: &http.Client{Timeout: timeout},
	}
}

// cacheBuster is the "_" form/query field the touchscreen firmware
// expects on every request.
func cacheBuster() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// Connect performs the token handshake. A 200 response carries the
// (possibly new) token; 403 means the supplied token has expired.
func (c *Client) Connect(ctx context.Context, token string) (*ConnectResult, error) {
	form := url.Values{"token": {token}, "_": {cacheBuster()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/connect",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating connect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	result := &ConnectResult{Code: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decoding connect response: %w", err)
		}
		result.Token = body.Token
	}
	return result, nil
}

// Status polls the device. 200 carries the machine status, 401 means
// access was denied, 204 means the device is waiting for the user to
// confirm on its touchscreen.
func (c *Client) Status(ctx context.Context, token string) (*StatusResult, error) {
	u := fmt.Sprintf("%s/status?token=%s&_=%s", c.base, url.QueryEscape(token), cacheBuster())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	result := &StatusResult{Code: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			// Tolerate bad JSON the way the touchscreen sometimes
			// produces it; the status just stays unknown.
			result.Status = ""
			return result, nil
		}
		result.Status = body.Status
	}
	return result, nil
}

// Upload sends the payload as a multipart POST with fields token and
// file. Progress is reported per chunk of the request body.
func (c *Client) Upload(ctx context.Context, token, filename string, payload []byte, progress ProgressFunc) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("token", token); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.WriteField("_", cacheBuster()); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}

	total := int64(buf.Len())
	body := &progressReader{r: &buf, total: total, fn: progress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/upload", body)
	if err != nil {
		return nil, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = total

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upload response: %w", err)
	}

	return &UploadResult{Code: resp.StatusCode, Body: string(respBody)}, nil
}

// Disconnect ends the session on the device. Best-effort: the caller
// ignores the error beyond logging.
func (c *Client) Disconnect(ctx context.Context, token string) error {
	form := url.Values{"token": {token}, "_": {cacheBuster()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/disconnect",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating disconnect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp.Body.Close()
	return nil
}

// progressReader reports cumulative bytes read from the wrapped reader.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
