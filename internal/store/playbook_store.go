package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

// PlaybookStore reads and writes a single playbook JSON file.
type PlaybookStore struct {
	path        string
	lockTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a PlaybookStore.
type Option func(*PlaybookStore)

// WithLockTimeout sets how long Update waits for a contended lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *PlaybookStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *PlaybookStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for new playbook metadata.
func WithClock(now func() time.Time) Option {
	return func(s *PlaybookStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPlaybookStore returns a store for the playbook at path.
func NewPlaybookStore(path string, opts ...Option) (*PlaybookStore, error) {
	if path == "" {
		return nil, errors.New("playbook path cannot be empty")
	}
	s := &PlaybookStore{
		path:        path,
		lockTimeout: DefaultLockTimeout,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the playbook file path.
func (s *PlaybookStore) Path() string {
	return s.path
}

// Load reads the playbook without locking. A missing file yields an empty
// playbook. Bullets that fail validation are skipped with a warning.
func (s *PlaybookStore) Load(ctx context.Context) (*playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return playbook.New("", s.now().UTC()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading playbook: %w", err)
	}
	return s.decode(data)
}

// Update runs fn against the current playbook under the exclusive lock and
// writes the result atomically. When fn returns an error nothing is written.
func (s *PlaybookStore) Update(ctx context.Context, fn func(*playbook.Playbook) error) (*playbook.Playbook, error) {
	var result *playbook.Playbook
	err := WithLock(ctx, s.path, s.lockTimeout, s.logger, func() error {
		pb, err := s.Load(ctx)
		if err != nil {
			return err
		}
		if err := fn(pb); err != nil {
			return err
		}
		if err := s.write(pb); err != nil {
			return err
		}
		result = pb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Init creates an empty playbook file if none exists.
func (s *PlaybookStore) Init(ctx context.Context, name string) (bool, error) {
	created := false
	err := WithLock(ctx, s.path, s.lockTimeout, s.logger, func() error {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		}
		created = true
		return s.write(playbook.New(name, s.now().UTC()))
	})
	return created, err
}

func (s *PlaybookStore) write(pb *playbook.Playbook) error {
	pb.SchemaVersion = playbook.SchemaVersion
	data, err := json.MarshalIndent(pb, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding playbook: %w", err)
	}
	data = append(data, '\n')
	if err := WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing playbook: %w", err)
	}
	return nil
}

// rawPlaybook defers bullet decoding so one bad bullet does not poison the file.
type rawPlaybook struct {
	SchemaVersion      int                          `json:"schema_version"`
	Name               string                       `json:"name,omitempty"`
	Description        string                       `json:"description,omitempty"`
	Metadata           playbook.Metadata            `json:"metadata"`
	DeprecatedPatterns []playbook.DeprecatedPattern `json:"deprecatedPatterns"`
	Bullets            []json.RawMessage            `json:"bullets"`
}

func (s *PlaybookStore) decode(data []byte) (*playbook.Playbook, error) {
	var raw rawPlaybook
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptPlaybook, s.path, err)
	}
	if raw.SchemaVersion > playbook.SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, raw.SchemaVersion)
	}

	pb := &playbook.Playbook{
		SchemaVersion:      raw.SchemaVersion,
		Name:               raw.Name,
		Description:        raw.Description,
		Metadata:           raw.Metadata,
		DeprecatedPatterns: raw.DeprecatedPatterns,
		Bullets:            make([]*playbook.Bullet, 0, len(raw.Bullets)),
	}
	if pb.DeprecatedPatterns == nil {
		pb.DeprecatedPatterns = []playbook.DeprecatedPattern{}
	}

	seen := make(map[string]bool, len(raw.Bullets))
	for i, rb := range raw.Bullets {
		var b playbook.Bullet
		if err := json.Unmarshal(rb, &b); err != nil {
			s.logger.Warn("skipping undecodable bullet", zap.Int("index", i), zap.Error(err))
			continue
		}
		upgradeBullet(&b, raw.SchemaVersion)
		if err := b.Validate(); err != nil {
			s.logger.Warn("skipping invalid bullet",
				zap.Int("index", i),
				zap.String("bullet_id", b.ID),
				zap.Error(err))
			continue
		}
		if seen[b.ID] {
			s.logger.Warn("skipping duplicate bullet id", zap.String("bullet_id", b.ID))
			continue
		}
		seen[b.ID] = true
		if b.RecomputeCounts() {
			s.logger.Warn("feedback counts out of sync, recomputed from events", zap.String("bullet_id", b.ID))
		}
		if b.FeedbackEvents == nil {
			b.FeedbackEvents = []playbook.FeedbackEvent{}
		}
		pb.Bullets = append(pb.Bullets, &b)
	}

	for _, issue := range pb.Integrity() {
		s.logger.Warn("playbook integrity issue",
			zap.String("bullet_id", issue.BulletID),
			zap.String("problem", issue.Problem))
	}
	return pb, nil
}

// upgradeBullet fills fields that older schema versions did not carry.
func upgradeBullet(b *playbook.Bullet, version int) {
	if version >= playbook.SchemaVersion {
		return
	}
	if b.Scope == "" {
		b.Scope = playbook.ScopeGlobal
	}
	if b.Kind == "" {
		if b.IsNegative {
			b.Kind = playbook.KindAntiPattern
		} else {
			b.Kind = playbook.KindRule
		}
	}
	if b.Maturity == "" {
		b.Maturity = playbook.MaturityCandidate
		if b.Deprecated {
			b.Maturity = playbook.MaturityDeprecated
		}
	}
	if b.State == "" {
		b.State = playbook.StateActive
		if b.Deprecated {
			b.State = playbook.StateRetired
		}
	}
}
