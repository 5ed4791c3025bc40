// Package models defines the database entities for the batch job engine
package models

// ListOptions represents pagination and filtering options for list operations
type ListOptions struct {
	// Limit is the number of items to return
	Limit int `json:"limit"`
	// Offset is the number of items to skip
	Offset int `json:"offset"`
	// JobType filters the listing to one job type when set
	JobType *JobType `json:"job_type,omitempty"`
}

// DefaultListLimit bounds listings when the caller does not set one
const DefaultListLimit = 20
