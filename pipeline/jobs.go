package pipeline

import "github.com/hazyhaar/moisson/rawstore"

// Queue names, one per stage.
const (
	QueueFetch       = "fetch"
	QueueRawPersist  = "raw-persist"
	QueueStructuring = "structuring"
	QueueDeadLetter  = "dead-letter"
)

// FetchJob asks the fetch stage to capture one URL for an extraction.
type FetchJob struct {
	URL            string `json:"url"`
	ExtractionName string `json:"extractionName"`
	OwnerID        string `json:"ownerId"`
	SourceType     string `json:"sourceType"`
	SourceName     string `json:"sourceName"`
}

// replayKey identifies a FetchJob across dead-letter round trips so the
// replay counter survives re-enqueueing.
func (j FetchJob) replayKey() string {
	return j.OwnerID + "|" + j.ExtractionName + "|" + j.URL
}

// RawPersistJob carries fetched content to the raw store.
type RawPersistJob struct {
	Payload        rawstore.Record `json:"payload"`
	ExtractionID   string          `json:"extractionId"`
	ReferenceTable string          `json:"referenceTable"`
	OwnerID        string          `json:"ownerId"`
}

// StructuringJob asks the structuring stage to turn the raw records of
// an extraction into typed rows of a project.
type StructuringJob struct {
	ExtractionID string `json:"extractionId"`
	ProjectID    string `json:"projectId"`
}

// DeadLetterJob is a failed FetchJob plus its error annotation. The
// annotation is dropped on resubmission.
type DeadLetterJob struct {
	FetchJob
	Error string `json:"error"`
}

// RecordResult is the per-record outcome of one structuring run. A
// record either carries extracted data or an error, never both.
type RecordResult struct {
	Link          string         `json:"link"`
	ExtractedData map[string]any `json:"extractedData,omitempty"`
	Error         string         `json:"error,omitempty"`
}
