// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// DocumentProcessingTask represents the data structure for a document processing job.
type DocumentProcessingTask struct {
	DocumentID string `json:"document_id"`
	OrgID      string `json:"org_id"`
	Name       string `json:"name"`
}
