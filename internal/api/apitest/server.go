// Package apitest provides an in-process fake of the batch geocoding service
// for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"batchgeocode/internal/jobs"
)

const (
	Token  = "tok-0123456789abcdef"
	ItemID = "item-42"
	JobID  = "job-7"

	ResultParamURL = "results/geocodeResult"
)

// Endpoint names used by Count and Params.
const (
	Discovery = "discovery"
	Generate  = "token"
	Upload    = "upload"
	Submit    = "submit"
	Status    = "status"
	Resolve   = "resolve"
	Download  = "download"
)

// Server is a scripted fake of the discovery, token and batch geocoding
// endpoints. Fields may be changed before the first request.
type Server struct {
	*httptest.Server

	// Statuses is returned by consecutive status polls; the last entry
	// repeats once the script is exhausted.
	Statuses []jobs.Status
	// DiscoveryBody replaces the discovery response when set.
	DiscoveryBody string
	// UploadError and SubmitError are raw JSON values placed in "error".
	UploadError string
	SubmitError string
	// ResultBody is served as the result archive.
	ResultBody []byte
	// DownloadStatus overrides the archive response status when non-zero.
	DownloadStatus int

	mu       sync.Mutex
	counts   map[string]int
	params   map[string]map[string]string
	headers  map[string]http.Header
	uploaded []byte
}

// New starts a fake service with a four-step successful status script.
func New() *Server {
	s := &Server{
		Statuses: []jobs.Status{
			jobs.StatusWaiting,
			jobs.StatusExecuting,
			jobs.StatusExecuting,
			jobs.StatusSucceeded,
		},
		ResultBody: []byte("PK-fake-archive"),
		counts:     make(map[string]int),
		params:     make(map[string]map[string]string),
		headers:    make(map[string]http.Header),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sharing/info", s.handleDiscovery)
	mux.HandleFunc("POST /sharing/generateToken", s.handleToken)
	mux.HandleFunc("PUT /batch/upload", s.handleUpload)
	mux.HandleFunc("/batch/submitJob", s.handleSubmit)
	mux.HandleFunc("/batch/jobs/{id}", s.handleStatus)
	mux.HandleFunc("/batch/jobs/{id}/results/geocodeResult", s.handleResolve)
	mux.HandleFunc("GET /download/results.zip", s.handleDownload)

	s.Server = httptest.NewServer(mux)
	return s
}

// DiscoveryURL is the discovery endpoint of the fake.
func (s *Server) DiscoveryURL() string {
	return s.URL + "/sharing/info?f=json"
}

// BatchURL is the batch geocoding base URL of the fake.
func (s *Server) BatchURL() string {
	return s.URL + "/batch"
}

// Count returns how often the named endpoint was hit.
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// Params returns the parameters of the last request to the named endpoint,
// taken from the query string, form or JSON body.
func (s *Server) Params(name string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[name]
}

// Header returns the headers of the last request to the named endpoint.
func (s *Server) Header(name string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[name]
}

// Uploaded returns the raw body of the last upload.
func (s *Server) Uploaded() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded
}

func (s *Server) record(name string, r *http.Request) int {
	params := map[string]string{}
	if r.Header.Get("Content-Type") == "application/json" {
		_ = json.NewDecoder(r.Body).Decode(&params)
	} else {
		_ = r.ParseForm()
		for key := range r.Form {
			params[key] = r.Form.Get(key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name]++
	s.params[name] = params
	s.headers[name] = r.Header.Clone()
	return s.counts[name]
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.record(Discovery, r)
	if s.DiscoveryBody != "" {
		_, _ = io.WriteString(w, s.DiscoveryBody)
		return
	}
	writeJSON(w, map[string]any{
		"authInfo": map[string]any{"tokenServicesUrl": s.URL + "/sharing/generateToken"},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.record(Generate, r)
	writeJSON(w, map[string]any{"token": Token, "expires": 0})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.record(Upload, r)
	s.mu.Lock()
	s.uploaded = body
	s.mu.Unlock()

	if s.UploadError != "" {
		writeRaw(w, fmt.Sprintf(`{"error":%s}`, s.UploadError))
		return
	}
	writeJSON(w, map[string]any{"success": true, "item": map[string]any{"itemId": ItemID}})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.record(Submit, r)
	if s.SubmitError != "" {
		writeRaw(w, fmt.Sprintf(`{"error":%s}`, s.SubmitError))
		return
	}
	writeJSON(w, map[string]any{"jobId": JobID, "jobStatus": jobs.StatusSubmitted})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := s.record(Status, r)
	idx := n - 1
	if idx >= len(s.Statuses) {
		idx = len(s.Statuses) - 1
	}
	status := s.Statuses[idx]

	response := map[string]any{
		"jobId":     r.PathValue("id"),
		"jobStatus": status,
		"messages": []jobs.Message{
			{Type: "esriJobMessageTypeInformative", Description: fmt.Sprintf("poll %d", n)},
		},
	}
	if status == jobs.StatusSucceeded {
		response["results"] = map[string]any{
			"geocodeResult": map[string]any{"paramUrl": ResultParamURL},
		}
	}
	writeJSON(w, response)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.record(Resolve, r)
	writeJSON(w, map[string]any{
		"paramName": "geocodeResult",
		"value":     map[string]any{"url": s.URL + "/download/results.zip"},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.record(Download, r)
	if s.DownloadStatus != 0 {
		http.Error(w, "unavailable", s.DownloadStatus)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(s.ResultBody)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}
