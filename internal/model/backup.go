package model

import "time"

// Backup describes a database snapshot file in the backup directory.
type Backup struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size"`
	Encrypted bool      `json:"encrypted"`
	Uploaded  bool      `json:"uploaded"`
	CreatedAt time.Time `json:"created_at"`
}
