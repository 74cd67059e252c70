package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchgeocode/internal/api/apitest"
	"batchgeocode/internal/jobs"
)

func newTestClient(t *testing.T, srv *apitest.Server, method string) *Client {
	t.Helper()
	client, err := NewClient(srv.BatchURL(), srv.DiscoveryURL(), method, 5*time.Second, "test")
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsBadInput(t *testing.T) {
	_, err := NewClient("not a url", "https://example.test/info", "GET", time.Second, "v")
	require.Error(t, err)

	_, err = NewClient("https://example.test/batch", "https://example.test/info", "PATCH", time.Second, "v")
	require.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	client := newTestClient(t, srv, http.MethodGet)

	token, err := client.Authenticate(context.Background(), "geo-user", "geo-pass")
	require.NoError(t, err)
	assert.Equal(t, apitest.Token, token)

	params := srv.Params(apitest.Generate)
	assert.Equal(t, "geo-user", params["username"])
	assert.Equal(t, "geo-pass", params["password"])
	assert.Equal(t, "referer", params["client"])
	assert.Equal(t, "batchGeocode", params["referer"])
	assert.Equal(t, "json", params["f"])
}

func TestAuthenticateMissingTokenServiceSkipsExchange(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.DiscoveryBody = `{"authInfo":{"isTokenBasedSecurity":true}}`
	client := newTestClient(t, srv, http.MethodGet)

	_, err := client.Authenticate(context.Background(), "geo-user", "geo-pass")
	require.ErrorIs(t, err, ErrMissingTokenService)
	assert.Equal(t, 1, srv.Count(apitest.Discovery))
	assert.Equal(t, 0, srv.Count(apitest.Generate))
}

func TestUploadStreamsRawBody(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	client := newTestClient(t, srv, http.MethodGet)

	path := filepath.Join(t.TempDir(), "addresses.zip")
	content := bytes.Repeat([]byte("0123456789"), 5000)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	itemID, err := client.Upload(context.Background(), apitest.Token, path)
	require.NoError(t, err)
	assert.Equal(t, apitest.ItemID, itemID)
	assert.Equal(t, content, srv.Uploaded())

	header := srv.Header(apitest.Upload)
	assert.Equal(t, "application/binary", header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=addresses.zip", header.Get("Content-Disposition"))
	assert.Equal(t, apitest.Token, header.Get("token"))
}

func TestUploadReportsServiceError(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.UploadError = `{"code":400,"message":"Unable to upload item.","details":["file too large"]}`
	client := newTestClient(t, srv, http.MethodGet)

	path := filepath.Join(t.TempDir(), "addresses.zip")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	_, err := client.Upload(context.Background(), apitest.Token, path)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Code)
	assert.Equal(t, "Unable to upload item.", apiErr.Message)
	assert.Equal(t, []string{"file too large"}, apiErr.Details)
	assert.Contains(t, apiErr.Raw, "file too large")
}

func TestSubmitJobSendsSameParamsForGetAndPost(t *testing.T) {
	request := SubmitRequest{
		FieldMapping:  "Address:Address, City:City",
		ItemID:        apitest.ItemID,
		SourceCountry: "USA",
		OutFields:     "*",
	}

	var captured []map[string]string
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		srv := apitest.New()
		client := newTestClient(t, srv, method)

		jobID, err := client.SubmitJob(context.Background(), apitest.Token, request)
		require.NoError(t, err, method)
		assert.Equal(t, apitest.JobID, jobID)
		captured = append(captured, srv.Params(apitest.Submit))
		srv.Close()
	}

	require.Len(t, captured, 2)
	assert.Equal(t, captured[0], captured[1])
	assert.Equal(t, "Address:Address, City:City", captured[0]["fieldMapping"])
	assert.Equal(t, apitest.ItemID, captured[0]["itemId"])
	assert.Equal(t, "*", captured[0]["outFields"])
	assert.Equal(t, apitest.Token, captured[0]["token"])
	assert.Contains(t, captured[0], "preferredLabelValues")
	assert.Equal(t, "", captured[0]["category"])
}

func TestSubmitJobReportsServiceError(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.SubmitError = `"Invalid field mapping"`
	client := newTestClient(t, srv, http.MethodPost)

	_, err := client.SubmitJob(context.Background(), apitest.Token, SubmitRequest{ItemID: apitest.ItemID})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid field mapping", apiErr.Message)
}

func TestJobStatusAndResolve(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.Statuses = []jobs.Status{jobs.StatusSucceeded}
	client := newTestClient(t, srv, http.MethodGet)

	job, err := client.JobStatus(context.Background(), apitest.Token, apitest.JobID, apitest.ItemID)
	require.NoError(t, err)
	assert.Equal(t, apitest.JobID, job.ID)
	assert.Equal(t, jobs.StatusSucceeded, job.Status)
	assert.Equal(t, apitest.ResultParamURL, job.ResultParamURL())
	assert.Equal(t, apitest.ItemID, srv.Params(apitest.Status)["itemId"])

	downloadURL, err := client.ResolveResult(context.Background(), apitest.Token, job.ID, apitest.ItemID, job.ResultParamURL())
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/download/results.zip", downloadURL)
	assert.Equal(t, 1, srv.Count(apitest.Resolve))
}

func TestJobStatusRequiresStatus(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.Statuses = []jobs.Status{""}
	client := newTestClient(t, srv, http.MethodPost)

	_, err := client.JobStatus(context.Background(), apitest.Token, apitest.JobID, apitest.ItemID)
	require.ErrorIs(t, err, ErrMissingJobStatus)
}

func TestDownloadStreamsInOrder(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.ResultBody = bytes.Repeat([]byte("abcdefghij"), 3*DownloadChunkSize/10+7)
	client := newTestClient(t, srv, http.MethodGet)

	var out bytes.Buffer
	n, err := client.Download(context.Background(), apitest.Token, srv.URL+"/download/results.zip", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(srv.ResultBody)), n)
	assert.Equal(t, srv.ResultBody, out.Bytes())
	assert.Equal(t, apitest.Token, srv.Header(apitest.Download).Get("token"))
}

func TestDownloadFailsOnHTTPStatus(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.DownloadStatus = http.StatusBadGateway
	client := newTestClient(t, srv, http.MethodGet)

	var out bytes.Buffer
	_, err := client.Download(context.Background(), apitest.Token, srv.URL+"/download/results.zip", &out)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Zero(t, out.Len())
}

func TestErrorFromBody(t *testing.T) {
	assert.Nil(t, errorFromBody([]byte(`{"error":null,"jobId":"x"}`)))
	assert.Nil(t, errorFromBody([]byte(`{"jobId":"x"}`)))
	assert.Nil(t, errorFromBody([]byte(`not json`)))

	apiErr := errorFromBody([]byte(`{"error":{"code":498,"message":"Invalid token."}}`))
	require.NotNil(t, apiErr)
	assert.Equal(t, "api error 498: Invalid token.", apiErr.Error())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****", Redact("short"))
	assert.Equal(t, "tok-…cdef", Redact(apitest.Token))
}
