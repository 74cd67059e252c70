package jobs

// Status is the lifecycle state reported by the batch geocoding service.
type Status string

const (
	StatusNew        Status = "esriJobNew"
	StatusSubmitted  Status = "esriJobSubmitted"
	StatusWaiting    Status = "esriJobWaiting"
	StatusExecuting  Status = "esriJobExecuting"
	StatusCancelling Status = "esriJobCancelling"
	StatusSucceeded  Status = "esriJobSucceeded"
	StatusFailed     Status = "esriJobFailed"
	StatusTimedOut   Status = "esriJobTimedOut"
	StatusCancelled  Status = "esriJobCancelled"
)

var statusRank = map[Status]int{
	StatusNew:        0,
	StatusSubmitted:  1,
	StatusWaiting:    2,
	StatusExecuting:  3,
	StatusCancelling: 4,
	StatusSucceeded:  5,
	StatusFailed:     5,
	StatusTimedOut:   5,
	StatusCancelled:  5,
}

// Terminal reports whether no further transition can follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Failed reports whether s is a terminal state other than success.
func (s Status) Failed() bool {
	return s.Terminal() && s != StatusSucceeded
}

// Before reports whether s sits strictly earlier in the lifecycle than other.
// Unknown statuses are never ordered.
func (s Status) Before(other Status) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a < b
}

// Message is a progress message attached to a status response.
type Message struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Job is a single status snapshot of a submitted job.
type Job struct {
	ID       string    `json:"jobId"`
	Status   Status    `json:"jobStatus"`
	Messages []Message `json:"messages"`
	Results  Results   `json:"results"`
}

// Results carries the result descriptor references of a finished job.
type Results struct {
	GeocodeResult struct {
		ParamURL string `json:"paramUrl"`
	} `json:"geocodeResult"`
}

// ResultParamURL returns the relative result descriptor path, if any.
func (j Job) ResultParamURL() string {
	return j.Results.GeocodeResult.ParamURL
}
