package models

// AssetStatus is the upload state of an image being attached.
type AssetStatus string

const (
	AssetPending   AssetStatus = "pending"
	AssetUploading AssetStatus = "uploading"
	AssetSuccess   AssetStatus = "success"
	AssetError     AssetStatus = "error"
)

// UploadingAsset is an ephemeral image attachment. It is never persisted;
// only URL is merged into the draft once the upload succeeds.
type UploadingAsset struct {
	LocalID  string      `json:"localId"`
	Preview  string      `json:"preview"`
	Progress int         `json:"progress"`
	Status   AssetStatus `json:"status"`
	URL      string      `json:"url,omitempty"`
	Error    string      `json:"error,omitempty"`
}
