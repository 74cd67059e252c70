package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"batchgeocode/internal/jobs"
)

const (
	// DownloadChunkSize is the read size used when streaming result archives.
	DownloadChunkSize = 8192

	maxResponseBytes = 8 << 20
)

// Client handles requests to the batch geocoding service.
type Client struct {
	BatchURL     string
	DiscoveryURL string
	// Method is used for submit, status and result descriptor calls: GET
	// sends parameters as a query string, POST as a JSON body.
	Method string
	// Client serves the small JSON calls.
	Client *http.Client
	// Transfer streams uploads and downloads and has no overall timeout.
	Transfer  *http.Client
	UserAgent string
}

// NewClient constructs a new API client.
func NewClient(batchURL, discoveryURL, method string, timeout time.Duration, version string) (*Client, error) {
	for _, raw := range []string{batchURL, discoveryURL} {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("parse url: %q is not absolute", raw)
		}
	}

	method = strings.ToUpper(method)
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported request method %q", method)
	}

	return &Client{
		BatchURL:     strings.TrimRight(batchURL, "/"),
		DiscoveryURL: discoveryURL,
		Method:       method,
		Client:       &http.Client{Timeout: timeout},
		Transfer:     &http.Client{},
		UserAgent:    "batchgeocode/" + version,
	}, nil
}

// SubmitRequest describes a batch geocoding job.
type SubmitRequest struct {
	FieldMapping         string
	ItemID               string
	Category             string
	SourceCountry        string
	MatchOutOfRange      string
	LangCode             string
	LocationType         string
	SearchExtent         string
	OutSR                string
	OutFields            string
	PreferredLabelValues string
}

func (r SubmitRequest) values(token string) url.Values {
	return url.Values{
		"fieldMapping":         {r.FieldMapping},
		"itemId":               {r.ItemID},
		"category":             {r.Category},
		"sourceCountry":        {r.SourceCountry},
		"matchOutOfRange":      {r.MatchOutOfRange},
		"langCode":             {r.LangCode},
		"locationType":         {r.LocationType},
		"searchExtent":         {r.SearchExtent},
		"outSR":                {r.OutSR},
		"outFields":            {r.OutFields},
		"preferredLabelValues": {r.PreferredLabelValues},
		"token":                {token},
	}
}

// Upload streams the file at path as the raw request body and returns the
// item id assigned by the service.
func (c *Client) Upload(ctx context.Context, token, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BatchURL+"/upload", file)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/binary")
	req.Header.Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	req.Header.Set("token", token)

	var response struct {
		Item struct {
			ItemID string `json:"itemId"`
		} `json:"item"`
	}
	if err := c.do(c.Transfer, req, &response); err != nil {
		return "", err
	}
	if response.Item.ItemID == "" {
		return "", ErrMissingItemID
	}
	return response.Item.ItemID, nil
}

// SubmitJob starts a batch geocoding job and returns its id.
func (c *Client) SubmitJob(ctx context.Context, token string, request SubmitRequest) (string, error) {
	var response struct {
		JobID string `json:"jobId"`
	}
	if err := c.call(ctx, c.BatchURL+"/submitJob", request.values(token), &response); err != nil {
		return "", err
	}
	if response.JobID == "" {
		return "", ErrMissingJobID
	}
	return response.JobID, nil
}

// JobStatus fetches the current status of a job.
func (c *Client) JobStatus(ctx context.Context, token, jobID, itemID string) (jobs.Job, error) {
	var job jobs.Job
	if err := c.call(ctx, c.jobURL(jobID), statusValues(token, itemID), &job); err != nil {
		return jobs.Job{}, err
	}
	if job.Status == "" {
		return jobs.Job{}, ErrMissingJobStatus
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

// ResolveResult exchanges the relative result descriptor of a finished job for
// the URL of the downloadable archive.
func (c *Client) ResolveResult(ctx context.Context, token, jobID, itemID, paramURL string) (string, error) {
	var response struct {
		Value struct {
			URL string `json:"url"`
		} `json:"value"`
	}
	endpoint := c.jobURL(jobID) + "/" + strings.TrimLeft(paramURL, "/")
	if err := c.call(ctx, endpoint, statusValues(token, itemID), &response); err != nil {
		return "", err
	}
	if response.Value.URL == "" {
		return "", ErrMissingResultURL
	}
	return response.Value.URL, nil
}

// Download streams the archive at downloadURL into w in fixed-size chunks and
// returns the number of bytes written.
func (c *Client) Download(ctx context.Context, token, downloadURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("token", token)
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.Transfer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}

	buf := make([]byte, DownloadChunkSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			wn, err := w.Write(buf[:n])
			written += int64(wn)
			if err != nil {
				return written, fmt.Errorf("write download: %w", err)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read download: %w", readErr)
		}
	}
}

func (c *Client) jobURL(jobID string) string {
	return c.BatchURL + "/jobs/" + url.PathEscape(jobID)
}

func statusValues(token, itemID string) url.Values {
	return url.Values{
		"itemId": {itemID},
		"token":  {token},
	}
}

// call issues a request with the configured method. GET carries params in the
// query string, POST carries them as a flat JSON object.
func (c *Client) call(ctx context.Context, endpoint string, params url.Values, out any) error {
	var req *http.Request
	var err error

	switch c.Method {
	case http.MethodPost:
		body := make(map[string]string, len(params))
		for key := range params {
			body[key] = params.Get(key)
		}
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return fmt.Errorf("encode json: %w", marshalErr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		requestURL, parseErr := url.Parse(endpoint)
		if parseErr != nil {
			return fmt.Errorf("parse url: %w", parseErr)
		}
		query := requestURL.Query()
		for key, values := range params {
			query[key] = values
		}
		requestURL.RawQuery = query.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	}
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	return c.do(c.Client, req, out)
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.do(c.Client, req, out)
}

func (c *Client) do(client *http.Client, req *http.Request, out any) error {
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if apiErr := errorFromBody(body); apiErr != nil {
		return apiErr
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Redact shortens a token for log output.
func Redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
