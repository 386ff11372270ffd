package analyze

import (
	"github.com/revizor-dev/revizor/internal/types"
)

// PlanBatches splits changed files into analysis batches. Commits at or below
// the file threshold go out as one batch regardless of size. Larger commits
// are packed greedily in input order against the character budget; a single
// file over the budget gets a batch of its own. The packing is deterministic:
// the same input always yields the same batches.
func PlanBatches(files []types.ChangedFile, threshold, budget int) [][]types.ChangedFile {
	if len(files) == 0 {
		return nil
	}
	if len(files) <= threshold {
		return [][]types.ChangedFile{files}
	}

	var batches [][]types.ChangedFile
	var current []types.ChangedFile
	currentSize := 0

	for _, f := range files {
		size := f.Size()
		if currentSize+size > budget && len(current) > 0 {
			batches = append(batches, current)
			current = []types.ChangedFile{f}
			currentSize = size
		} else {
			current = append(current, f)
			currentSize += size
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
