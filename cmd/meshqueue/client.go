package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meshqueue/internal/api"
)

// apiError is a non-2xx response from the daemon.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	msg := strings.TrimSpace(e.Body.Error)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Body.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", msg, e.Status, e.Body.Kind)
	}
	return fmt.Sprintf("%s (%d)", msg, e.Status)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		// No overall timeout: uploads and downloads can be large.
		http: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
		}},
	}
}

func (c *client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", c.base, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &apiError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &apiErr.Body) != nil {
		apiErr.Body.Error = strings.TrimSpace(string(data))
	}
	return nil, apiErr
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.decode(req, out)
}

func (c *client) decode(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Submit streams path as a multipart upload.
func (c *client) Submit(ctx context.Context, path string, pipeline []string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if len(pipeline) > 0 {
				if err := mw.WriteField("pipeline", strings.Join(pipeline, ",")); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, file); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/jobs", pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp api.SubmitResponse
	if err := c.decode(req, &resp); err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	return resp.JobID, nil
}

func (c *client) Status(ctx context.Context, id string) (api.JobStatus, error) {
	var status api.JobStatus
	err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(id), &status)
	return status, err
}

func (c *client) List(ctx context.Context, states []string) ([]api.JobStatus, error) {
	path := "/api/jobs"
	if len(states) > 0 {
		q := url.Values{}
		for _, s := range states {
			q.Add("state", s)
		}
		path += "?" + q.Encode()
	}
	var resp api.JobListResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *client) Cancel(ctx context.Context, id string) (api.JobStatus, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return api.JobStatus{}, err
	}
	var status api.JobStatus
	err = c.decode(req, &status)
	return status, err
}

func (c *client) DaemonStatus(ctx context.Context) (api.DaemonStatus, error) {
	var status api.DaemonStatus
	err := c.getJSON(ctx, "/api/status", &status)
	return status, err
}

// Fetch streams a stage artifact into w and returns the server's file name.
func (c *client) Fetch(ctx context.Context, id, stage string, w io.Writer) (string, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/artifacts/"+url.PathEscape(stage), nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return "", n, fmt.Errorf("download artifact: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return "", n, errors.New("download artifact: truncated response")
	}
	return attachmentName(resp.Header.Get("Content-Disposition")), n, nil
}

func attachmentName(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil || params["filename"] == "" {
		return ""
	}
	return filepath.Base(params["filename"])
}
