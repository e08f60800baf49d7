package types

import "time"

// NodeType discriminates a CatalogNode between a browsable folder and a
// downloadable file.
type NodeType string

const (
	NodeFolder NodeType = "folder"
	NodeFile   NodeType = "file"
)

// CatalogNode is the read-only external entity the Folder Expander and the
// download() RPC resolve ids against. The engine never mutates it.
type CatalogNode struct {
	ID           string
	ParentID     string
	Title        string
	Type         NodeType
	URL          string
	Size         int64
	ModifiedDate time.Time
}
