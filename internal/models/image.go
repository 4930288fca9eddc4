package models

import (
	"net/url"
	"path/filepath"
	"strconv"
	"time"
)

// ImageRecord is one illustration in the catalogue, keyed by its platform pid.
type ImageRecord struct {
	PID              int64     `db:"pid" json:"pid"`
	Tags             []string  `db:"tags" json:"tags"`
	Popularity       float64   `db:"popularity" json:"popularity"`
	Author           string    `db:"author" json:"author,omitempty"`
	ImageURL         string    `db:"image_url" json:"image_url,omitempty"`
	MaterializedPath *string   `db:"materialized_path" json:"-"`
	UsedBy           []string  `db:"used_by" json:"used_by,omitempty"`
	Rejected         bool      `db:"rejected" json:"rejected"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// IsMaterialized reports whether a local copy has been recorded.
func (r ImageRecord) IsMaterialized() bool {
	return r.MaterializedPath != nil && *r.MaterializedPath != ""
}

// UsedByDestination reports whether the image was already published to dest.
func (r ImageRecord) UsedByDestination(dest string) bool {
	for _, d := range r.UsedBy {
		if d == dest {
			return true
		}
	}
	return false
}

// PreviewURL is the public URL of the 512px preview for a pid.
func PreviewURL(pid int64) string {
	return "/previews/" + PreviewName(pid)
}

// PreviewName is the preview file name for a pid.
func PreviewName(pid int64) string {
	return "thumb_" + strconv.FormatInt(pid, 10) + ".jpg"
}

// MediaURL maps a materialized path onto the static media route.
func MediaURL(path string) string {
	if path == "" {
		return ""
	}
	return "/media/" + url.PathEscape(filepath.Base(path))
}
