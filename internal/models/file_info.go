package models

import "time"

// FileInfo represents metadata about an uploaded file.
type FileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
	Status     string    `json:"status"` // "uploaded", "expanded", "error"
}

// FileSetInfo describes an uploaded folder or archive.
type FileSetInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Files      []string  `json:"files"`
	TotalSize  int64     `json:"totalSize"`
	UploadedAt time.Time `json:"uploadedAt"`
}
