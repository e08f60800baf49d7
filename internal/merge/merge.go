// Package merge is the Merge Worker (C7): concatenates a chunked download's
// .part0..N-1 files into save_path and renames into place. Grounded on the
// teacher's rename-after-complete dance in
// internal/engine/concurrent/downloader.go (a working-suffix path, final
// os.Rename, os.IsNotExist race check treated as a benign double-complete).
package merge

import (
	"io"
	"os"

	"github.com/myrientdl/myrientdl/internal/types"
)

// ProgressFunc is called after each part file is appended, with cumulative
// bytes written so far and the total expected.
type ProgressFunc func(bytesWritten, totalBytes int64)

// Merge concatenates chunks[0..N-1]'s part files (in index order) into
// save_path via a working-suffix temp file, then renames into place. On any
// error the .partN files are left on disk so a retry can resume the
// orchestrator's retry path from the chunk plan without re-downloading.
func Merge(chunks []types.Chunk, savePath string, totalBytes int64, onProgress ProgressFunc) error {
	workingPath := savePath + ".merging"

	out, err := os.OpenFile(workingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return types.NewError(types.ErrMerge, "open working file", err)
	}

	var written int64
	for _, c := range chunks {
		if err := appendPart(out, c.PartPath(savePath), &written, totalBytes, onProgress); err != nil {
			out.Close()
			os.Remove(workingPath)
			return types.NewErrorf(types.ErrMerge, err, "append chunk %d", c.Index)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return types.NewError(types.ErrMerge, "sync merged file", err)
	}
	if err := out.Close(); err != nil {
		return types.NewError(types.ErrMerge, "close merged file", err)
	}

	if err := os.Rename(workingPath, savePath); err != nil {
		if os.IsNotExist(err) {
			if info, statErr := os.Stat(savePath); statErr == nil && info.Size() == totalBytes {
				return deletePartFiles(chunks, savePath)
			}
		}
		return types.NewError(types.ErrMerge, "rename merged file into place", err)
	}

	return deletePartFiles(chunks, savePath)
}

func appendPart(out *os.File, partPath string, written *int64, totalBytes int64, onProgress ProgressFunc) error {
	part, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer part.Close()

	n, err := io.Copy(out, part)
	if err != nil {
		return err
	}
	*written += n
	if onProgress != nil {
		onProgress(*written, totalBytes)
	}
	return nil
}

// deletePartFiles removes every chunk's .partN file after a successful
// merge. Deletion failures are non-fatal: the merged file is already in
// place, and a leftover .partN is just disk clutter, not a correctness
// hazard.
func deletePartFiles(chunks []types.Chunk, savePath string) error {
	for _, c := range chunks {
		os.Remove(c.PartPath(savePath))
	}
	return nil
}
