package job

import (
	"encoding/json"
)

// Callback holds info to be posted back to the callback destination a job
// was submitted with.
type Callback struct {
	// JobID is the unique id of the Job.
	JobID string `json:"job_id"`

	// Success refers to whether the download completed or errored.
	Success bool `json:"success"`

	// Error contains the failure description of an errored job.
	Error string `json:"error"`

	// SourceURL is the url of the requested media.
	SourceURL string `json:"source_url"`

	// DownloadURL is where the finished artifact can be fetched from.
	// Empty for failed jobs.
	DownloadURL string `json:"download_url"`

	// Delivered signifies whether the callback has been delivered or not.
	Delivered bool `json:"delivered"`

	// DeliveryError contains the error occured while delivering a callback.
	DeliveryError string `json:"delivery_error"`
}

// NewCallback builds the callback payload for a terminal job.
func NewCallback(j *Job) Callback {
	cb := Callback{
		JobID:     j.ID,
		Success:   j.State == StateCompleted,
		Error:     j.Error,
		SourceURL: j.URL,
	}
	if cb.Success && !j.Removed {
		cb.DownloadURL = "/file/" + j.ID
	}
	return cb
}

// Bytes returns a byte slice for a callback info encoded as JSON
func (cb *Callback) Bytes() ([]byte, error) {
	return json.Marshal(cb)
}
