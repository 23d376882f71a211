package models

import "time"

// OperationStatus is the outcome of one recorded sync step
type OperationStatus string

const (
	StatusSuccess OperationStatus = "success"
	StatusError   OperationStatus = "error"
	StatusSkipped OperationStatus = "skipped"
)

// SyncOperation is one attempted unit of work in a run.
// Operations are appended in execution order and never modified afterwards.
type SyncOperation struct {
	Operation   string          `json:"operation"`
	Status      OperationStatus `json:"status"`
	Details     string          `json:"details"`
	RecordCount *int64          `json:"recordCount,omitempty"`
}

// SyncReport is the final outcome of a run, built once by the reporter
type SyncReport struct {
	RunID        string          `json:"runId,omitempty"`
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	TotalRecords int64           `json:"totalRecords"`
	Operations   []SyncOperation `json:"operations"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Column describes one introspected column
type Column struct {
	Name        string  `json:"name"`
	DataType    string  `json:"data_type"`
	Nullable    bool    `json:"nullable"`
	DefaultExpr *string `json:"default_expr,omitempty"`
}

// TableDescriptor is a table's column layout as read from the source catalog.
// It is derived fresh on every run and never persisted.
type TableDescriptor struct {
	TableName string   `json:"table_name"`
	Columns   []Column `json:"columns"`
}

// BucketFile is a file discovered while walking a source bucket
type BucketFile struct {
	BucketName  string            `json:"bucket_name"`
	FullPath    string            `json:"full_path"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FunctionDefinition is a stored function as listed from a catalog
type FunctionDefinition struct {
	Name         string `json:"name"`
	IdentityArgs string `json:"identity_args"`
	Definition   string `json:"definition"`
}
