package domain

import "time"

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

const (
	AssetStatusUploading  = "uploading"
	AssetStatusAvailable  = "available"
	AssetStatusProcessing = "processing"
	AssetStatusProcessed  = "processed"
	AssetStatusFailed     = "failed"
	AssetStatusDeleting   = "deleting"
	AssetStatusDeleted    = "deleted"
)

// Asset is one user-owned uploaded file. Rows survive until object-storage
// deletion confirms; delete flows move through deleting before deleted.
type Asset struct {
	ID          string
	UserID      string
	Kind        MediaKind
	Filename    string
	SizeBytes   int64
	ObjectKey   string
	Status      string
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cancelled reports whether the asset left the processing path. Jobs for a
// cancelled asset stop scheduling new attempts and are never aggregated.
func (a Asset) Cancelled() bool {
	return a.Status == AssetStatusDeleting || a.Status == AssetStatusDeleted
}

func (a Asset) IsVideo() bool {
	return a.Kind == MediaKindVideo
}
