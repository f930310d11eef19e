package reflection

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

func norm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// DeltaHash identifies a delta for deduplication. Feedback deltas hash by
// target, so one reflection never counts the same signal twice. Merge ids
// are sorted, so their order does not matter.
func DeltaHash(d playbook.Delta) string {
	var key string
	switch d := d.(type) {
	case playbook.AddDelta:
		key = norm(d.Bullet.Content)
	case playbook.HelpfulDelta:
		key = d.BulletID
	case playbook.HarmfulDelta:
		key = d.BulletID
	case playbook.ReplaceDelta:
		key = d.BulletID + "\x00" + norm(d.NewContent)
	case playbook.DeprecateDelta:
		key = d.BulletID
	case playbook.MergeDelta:
		ids := slices.Clone(d.BulletIDs)
		slices.Sort(ids)
		key = strings.Join(ids, ",") + "\x00" + norm(d.MergedContent)
	}
	sum := sha256.Sum256([]byte(string(d.Type()) + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// deltaSet tracks the DeltaHash of every delta already accepted.
type deltaSet map[string]struct{}

// add reports whether d was new to the set.
func (s deltaSet) add(d playbook.Delta) bool {
	h := DeltaHash(d)
	if _, ok := s[h]; ok {
		return false
	}
	s[h] = struct{}{}
	return true
}

// DeduplicateDeltas keeps the first delta for each DeltaHash.
func DeduplicateDeltas(deltas []playbook.Delta) []playbook.Delta {
	seen := make(deltaSet, len(deltas))
	out := make([]playbook.Delta, 0, len(deltas))
	for _, d := range deltas {
		if seen.add(d) {
			out = append(out, d)
		}
	}
	return out
}
