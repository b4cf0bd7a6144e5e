package catalog

// ExtractionStatus tracks an extraction through the pipeline.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "PENDING"
	ExtractionProcessing ExtractionStatus = "PROCESSING"
	ExtractionDone       ExtractionStatus = "DONE"
	ExtractionError      ExtractionStatus = "ERROR"
)

// ProjectStatus tracks a project through provisioning.
type ProjectStatus string

const (
	ProjectProvisioning ProjectStatus = "PROVISIONING"
	ProjectActive       ProjectStatus = "ACTIVE"
	ProjectDeleted      ProjectStatus = "DELETED"
)

// User is an internal user record resolved from an external identity.
type User struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
}

// Extraction is the unit of work "scrape one source and produce raw +
// structured data". Rows are upserted by name per owner and never
// deleted by the pipeline.
type Extraction struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	ReferenceTable string           `json:"reference_table"`
	Status         ExtractionStatus `json:"status"`
	UserID         string           `json:"user_id"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

// Project is a user-owned logical database with declared collection
// schemas and a physical backing store.
type Project struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	UserID          string        `json:"user_id"`
	StorageRef      string        `json:"storage_ref"`
	CollectionsJSON string        `json:"collections_json"`
	Status          ProjectStatus `json:"status"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}

// RunReport is the persisted aggregate of one structuring run.
type RunReport struct {
	ID           string `json:"id"`
	ExtractionID string `json:"extraction_id"`
	Total        int    `json:"total"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	ReportJSON   string `json:"report_json"`
	CreatedAt    int64  `json:"created_at"`
}
