// Package expander is the Folder Expander (C11): walks a catalog folder
// recursively and enqueues each file found, idempotently. No teacher
// analogue exists (the teacher has no catalog/folder concept); shaped
// directly from the catalog.Catalog interface plus the idempotent-enqueue
// check the scheduler already performs.
package expander

import (
	"path/filepath"

	"github.com/myrientdl/myrientdl/internal/catalog"
	"github.com/myrientdl/myrientdl/internal/types"
)

// EnqueueFunc is called once per file discovered under the expanded folder.
// It returns true if the file was newly enqueued, false if it was already
// queued/active (so the expander can report an accurate skipped count).
type EnqueueFunc func(node types.CatalogNode, savePath string) bool

// Report is the synchronous summary returned before any enqueued download
// actually starts running.
type Report struct {
	TotalFiles  int
	Added       int
	Skipped     int
	FolderTitle string
}

// Expand walks folderID recursively via cat, calling enqueue for every file
// node found. When preserveStructure is true, each file's save path is
// downloadPath joined with the ancestor folder chain (catalog root to the
// file's parent) plus the file's own title.
func Expand(cat catalog.Catalog, folderID, downloadPath string, preserveStructure bool, enqueue EnqueueFunc) (Report, error) {
	folder, err := cat.Resolve(folderID)
	if err != nil {
		return Report{}, err
	}

	report := Report{FolderTitle: folder.Title}
	if err := walk(cat, folderID, downloadPath, preserveStructure, enqueue, &report); err != nil {
		return report, err
	}
	return report, nil
}

func walk(cat catalog.Catalog, nodeID, downloadPath string, preserveStructure bool, enqueue EnqueueFunc, report *Report) error {
	children, err := cat.ListChildren(nodeID)
	if err != nil {
		return err
	}

	for _, child := range children {
		switch child.Type {
		case types.NodeFolder:
			if err := walk(cat, child.ID, downloadPath, preserveStructure, enqueue, report); err != nil {
				return err
			}
		case types.NodeFile:
			report.TotalFiles++
			savePath := filepath.Join(downloadPath, child.Title)
			if preserveStructure {
				ancestors, err := cat.AncestorTitles(child.ID)
				if err != nil {
					return err
				}
				savePath = filepath.Join(append(append([]string{downloadPath}, ancestors...), child.Title)...)
			}
			if enqueue(child, savePath) {
				report.Added++
			} else {
				report.Skipped++
			}
		}
	}
	return nil
}
