package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/zeebo/blake3"
)

var ErrPatchValidation = errors.New("patch validation failed")

// Change measures how far two versions are apart.
type Change struct {
	Chars int
	Lines int
}

// Patch is a serialized transformation from one normalized version to
// the next.
type Patch struct {
	Text   string
	Change Change
}

func newDMP() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return dmp
}

// MakePatch normalizes both inputs and returns the patch taking before to
// after, together with the size of the change.
func MakePatch(before, after string) Patch {
	before, after = Normalize(before), Normalize(after)
	dmp := newDMP()
	diffs := dmp.DiffMain(before, after, false)
	patches := dmp.PatchMake(before, diffs)
	return Patch{
		Text:   dmp.PatchToText(patches),
		Change: measure(dmp, before, after, diffs),
	}
}

// Measure returns the change between two already-normalized versions.
func Measure(before, after string) Change {
	dmp := newDMP()
	return measure(dmp, before, after, dmp.DiffMain(before, after, false))
}

func measure(dmp *diffmatchpatch.DiffMatchPatch, before, after string, charDiffs []diffmatchpatch.Diff) Change {
	var change Change
	for _, d := range charDiffs {
		if d.Type != diffmatchpatch.DiffEqual {
			change.Chars += utf8.RuneCountInString(d.Text)
		}
	}
	// A rewritten line shows up as one deletion and one insertion, so the
	// larger side is the number of lines touched.
	var inserted, deleted int
	a, b, _ := dmp.DiffLinesToRunes(before, after)
	for _, d := range dmp.DiffMainRunes(a, b, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += utf8.RuneCountInString(d.Text)
		}
	}
	change.Lines = max(inserted, deleted)
	return change
}

// ApplyPatch normalizes base and applies a serialized patch to it. Every
// hunk must apply.
func ApplyPatch(base, patchText string) (string, error) {
	base = Normalize(base)
	if patchText == "" {
		return base, nil
	}
	dmp := newDMP()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return base, fmt.Errorf("%w: parse: %v", ErrPatchValidation, err)
	}
	out, applied := dmp.PatchApply(patches, base)
	for i, ok := range applied {
		if !ok {
			return base, fmt.Errorf("%w: hunk %d did not apply", ErrPatchValidation, i)
		}
	}
	return out, nil
}

// Similarity returns 1 minus the normalized edit distance of a and b.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	dmp := newDMP()
	distance := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	return 1 - float64(distance)/float64(longest)
}

// Checksum is a short content fingerprint used to verify patch chains.
func Checksum(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
