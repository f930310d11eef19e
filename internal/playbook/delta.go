package playbook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DeltaType discriminates the Delta variants on the wire.
type DeltaType string

const (
	DeltaAdd       DeltaType = "add"
	DeltaHelpful   DeltaType = "helpful"
	DeltaHarmful   DeltaType = "harmful"
	DeltaReplace   DeltaType = "replace"
	DeltaDeprecate DeltaType = "deprecate"
	DeltaMerge     DeltaType = "merge"
)

// Delta is a proposed change to a playbook. The set of implementations is
// closed: AddDelta, HelpfulDelta, HarmfulDelta, ReplaceDelta, DeprecateDelta
// and MergeDelta.
type Delta interface {
	Type() DeltaType
	// Validate checks the delta in isolation, without a playbook.
	Validate() error
	isDelta()
}

// NewBulletData is the payload of an add delta.
type NewBulletData struct {
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Scope    Scope    `json:"scope,omitempty"`
	ScopeKey string   `json:"scopeKey,omitempty"`
	Kind     Kind     `json:"kind,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// AddDelta proposes a new bullet.
type AddDelta struct {
	Bullet        NewBulletData `json:"bullet"`
	Reason        string        `json:"reason,omitempty"`
	SourceSession string        `json:"sourceSession,omitempty"`
	SourceAgent   string        `json:"sourceAgent,omitempty"`
}

// HelpfulDelta records positive feedback.
type HelpfulDelta struct {
	BulletID      string `json:"bulletId"`
	Context       string `json:"context,omitempty"`
	SourceSession string `json:"sourceSession,omitempty"`
}

// HarmfulDelta records negative feedback.
type HarmfulDelta struct {
	BulletID      string        `json:"bulletId"`
	Reason        HarmfulReason `json:"reason,omitempty"`
	Context       string        `json:"context,omitempty"`
	SourceSession string        `json:"sourceSession,omitempty"`
}

// ReplaceDelta rewrites a bullet's content.
type ReplaceDelta struct {
	BulletID   string `json:"bulletId"`
	NewContent string `json:"newContent"`
	Reason     string `json:"reason,omitempty"`
}

// DeprecateDelta retires a bullet, optionally naming a successor.
type DeprecateDelta struct {
	BulletID   string `json:"bulletId"`
	Reason     string `json:"reason"`
	ReplacedBy string `json:"replacedBy,omitempty"`
}

// MergeDelta collapses several bullets into one.
type MergeDelta struct {
	BulletIDs     []string `json:"bulletIds"`
	MergedContent string   `json:"mergedContent"`
	Reason        string   `json:"reason,omitempty"`
}

func (AddDelta) Type() DeltaType       { return DeltaAdd }
func (HelpfulDelta) Type() DeltaType   { return DeltaHelpful }
func (HarmfulDelta) Type() DeltaType   { return DeltaHarmful }
func (ReplaceDelta) Type() DeltaType   { return DeltaReplace }
func (DeprecateDelta) Type() DeltaType { return DeltaDeprecate }
func (MergeDelta) Type() DeltaType     { return DeltaMerge }

func (AddDelta) isDelta()       {}
func (HelpfulDelta) isDelta()   {}
func (HarmfulDelta) isDelta()   {}
func (ReplaceDelta) isDelta()   {}
func (DeprecateDelta) isDelta() {}
func (MergeDelta) isDelta()     {}

func (d AddDelta) Validate() error {
	if strings.TrimSpace(d.Bullet.Content) == "" {
		return fmt.Errorf("%w: add: %w", ErrInvalidDelta, ErrEmptyContent)
	}
	if strings.TrimSpace(d.Bullet.Category) == "" {
		return fmt.Errorf("%w: add: %w", ErrInvalidDelta, ErrEmptyCategory)
	}
	if d.Bullet.Scope != "" && !d.Bullet.Scope.Valid() {
		return fmt.Errorf("%w: add: %w", ErrInvalidDelta, ErrInvalidScope)
	}
	if d.Bullet.Kind != "" && !d.Bullet.Kind.Valid() {
		return fmt.Errorf("%w: add: %w", ErrInvalidDelta, ErrInvalidKind)
	}
	return nil
}

func (d HelpfulDelta) Validate() error {
	if d.BulletID == "" {
		return fmt.Errorf("%w: helpful: %w", ErrInvalidDelta, ErrEmptyID)
	}
	return nil
}

func (d HarmfulDelta) Validate() error {
	if d.BulletID == "" {
		return fmt.Errorf("%w: harmful: %w", ErrInvalidDelta, ErrEmptyID)
	}
	if !d.Reason.Valid() {
		return fmt.Errorf("%w: harmful: unknown reason %q", ErrInvalidDelta, d.Reason)
	}
	return nil
}

func (d ReplaceDelta) Validate() error {
	if d.BulletID == "" {
		return fmt.Errorf("%w: replace: %w", ErrInvalidDelta, ErrEmptyID)
	}
	if strings.TrimSpace(d.NewContent) == "" {
		return fmt.Errorf("%w: replace: %w", ErrInvalidDelta, ErrEmptyContent)
	}
	return nil
}

func (d DeprecateDelta) Validate() error {
	if d.BulletID == "" {
		return fmt.Errorf("%w: deprecate: %w", ErrInvalidDelta, ErrEmptyID)
	}
	if d.ReplacedBy == d.BulletID {
		return fmt.Errorf("%w: deprecate: bullet cannot replace itself", ErrInvalidDelta)
	}
	return nil
}

func (d MergeDelta) Validate() error {
	if len(d.BulletIDs) < 2 {
		return fmt.Errorf("%w: merge: needs at least two bullet ids", ErrInvalidDelta)
	}
	seen := make(map[string]bool, len(d.BulletIDs))
	for _, id := range d.BulletIDs {
		if id == "" {
			return fmt.Errorf("%w: merge: %w", ErrInvalidDelta, ErrEmptyID)
		}
		if seen[id] {
			return fmt.Errorf("%w: merge: repeated bullet id %s", ErrInvalidDelta, id)
		}
		seen[id] = true
	}
	if strings.TrimSpace(d.MergedContent) == "" {
		return fmt.Errorf("%w: merge: %w", ErrInvalidDelta, ErrEmptyContent)
	}
	return nil
}

// MarshalDelta encodes a delta with its "type" discriminator.
func MarshalDelta(d Delta) ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(d.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

// UnmarshalDelta decodes one tagged delta.
func UnmarshalDelta(data []byte) (Delta, error) {
	var head struct {
		Type DeltaType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDelta, err)
	}

	var (
		d   Delta
		err error
	)
	switch head.Type {
	case DeltaAdd:
		var v AddDelta
		err = json.Unmarshal(data, &v)
		d = v
	case DeltaHelpful:
		var v HelpfulDelta
		err = json.Unmarshal(data, &v)
		d = v
	case DeltaHarmful:
		var v HarmfulDelta
		err = json.Unmarshal(data, &v)
		d = v
	case DeltaReplace:
		var v ReplaceDelta
		err = json.Unmarshal(data, &v)
		d = v
	case DeltaDeprecate:
		var v DeprecateDelta
		err = json.Unmarshal(data, &v)
		d = v
	case DeltaMerge:
		var v MergeDelta
		err = json.Unmarshal(data, &v)
		d = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeltaType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDelta, err)
	}
	return d, nil
}

// DecodeError describes a delta that could not be decoded.
type DecodeError struct {
	Index int
	Err   error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("delta %d: %v", e.Index, e.Err)
}

// DecodeDeltas decodes a JSON array of tagged deltas. Malformed entries are
// skipped and reported; only a malformed array is an error.
func DecodeDeltas(data []byte) ([]Delta, []DecodeError, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decoding delta array: %w", err)
	}
	deltas := make([]Delta, 0, len(raw))
	var bad []DecodeError
	for i, r := range raw {
		d, err := UnmarshalDelta(r)
		if err != nil {
			bad = append(bad, DecodeError{Index: i, Err: err})
			continue
		}
		deltas = append(deltas, d)
	}
	return deltas, bad, nil
}

// EncodeDeltas encodes deltas as a JSON array of tagged objects.
func EncodeDeltas(deltas []Delta) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(deltas))
	for _, d := range deltas {
		b, err := MarshalDelta(d)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}
