// Package models contains data structures returned by the attempt history repository.
package models

import "time"

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type AttemptRecord struct {
	Task          string    `json:"task"`
	AttemptNumber int       `json:"attempt_number"`
	Success       bool      `json:"success"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	DurationMs    int       `json:"duration_ms"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	WorkerID      string    `json:"worker_id"`
	Identity      string    `json:"identity,omitempty"`
}
