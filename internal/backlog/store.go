package backlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Well-known file names inside the workspace root.
const (
	FeaturesFile = "feature_list.json"
	StatusFile   = "AGENT_STATUS.md"
	ProgressFile = "progress.log"
)

// Store is the single owner of the feature set, the status mirror, and the
// progress log for one workspace. Only the iteration engine's record phase
// writes through it; dispatch workers operate on feature copies.
type Store struct {
	workspace string
	logger    *zap.Logger
}

// NewStore binds a store to a workspace root.
func NewStore(workspace string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{workspace: workspace, logger: logger}
}

// Workspace returns the bound workspace root.
func (s *Store) Workspace() string { return s.workspace }

// LoadFeatures reads the backlog. A missing file is an empty backlog.
func (s *Store) LoadFeatures() ([]Feature, error) {
	path := filepath.Join(s.workspace, FeaturesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", FeaturesFile, err)
	}
	var features []Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FeaturesFile, err)
	}
	now := time.Now().UTC()
	for i := range features {
		features[i].normalize(now)
	}
	return features, nil
}

// SaveFeatures writes the backlog, outstanding features first, then by
// priority and id, so the file reads as a worklist.
func (s *Store) SaveFeatures(features []Feature) error {
	sorted := make([]Feature, len(features))
	copy(sorted, features)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Outstanding() != sorted[j].Outstanding() {
			return sorted[i].Outstanding()
		}
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", FeaturesFile, err)
	}
	return os.WriteFile(filepath.Join(s.workspace, FeaturesFile), append(data, '\n'), 0644)
}

// Add inserts one feature, enforcing id uniqueness. Under the zero-ask
// policy a duplicate id is deterministically renamed with a numeric suffix
// instead of failing.
func (s *Store) Add(f Feature, autoResolveDuplicates bool) (Feature, error) {
	features, err := s.LoadFeatures()
	if err != nil {
		return Feature{}, err
	}

	existing := make(map[string]struct{}, len(features))
	for _, item := range features {
		existing[item.ID] = struct{}{}
	}

	f.normalize(time.Now().UTC())
	if _, dup := existing[f.ID]; dup {
		if !autoResolveDuplicates {
			return Feature{}, fmt.Errorf("feature %q already exists", f.ID)
		}
		original := f.ID
		f.ID = resolveID(original, existing)
		s.logger.Info("auto-resolved duplicate feature id",
			zap.String("original", original), zap.String("assigned", f.ID))
		if err := s.AppendProgress(fmt.Sprintf("Auto-resolved duplicate feature id: %s -> %s", original, f.ID)); err != nil {
			return Feature{}, err
		}
	}

	features = append(features, f)
	if err := s.SaveFeatures(features); err != nil {
		return Feature{}, err
	}
	if err := s.AppendProgress("Feature added: " + f.ID); err != nil {
		return Feature{}, err
	}
	return f, nil
}

// ImportFile loads features from a YAML or JSON backlog file (typically
// planner output) and adds each through the duplicate-id policy.
func (s *Store) ImportFile(path string, autoResolveDuplicates bool) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading import file: %w", err)
	}

	var incoming []Feature
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &incoming); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &incoming); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	added := make([]Feature, 0, len(incoming))
	for _, f := range incoming {
		if f.ID == "" || f.Description == "" {
			return added, fmt.Errorf("import entry needs id and description, got id=%q", f.ID)
		}
		inserted, err := s.Add(f, autoResolveDuplicates)
		if err != nil {
			return added, err
		}
		added = append(added, inserted)
	}
	return added, nil
}

// resolveID finds the first free "<base>-N" id, N counting from 1.
func resolveID(base string, existing map[string]struct{}) string {
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}

// AppendProgress appends one timestamped line to progress.log.
func (s *Store) AppendProgress(message string) error {
	path := filepath.Join(s.workspace, ProgressFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", ProgressFile, err)
	}
	defer f.Close()

	ts := time.Now().UTC().Format("2006-01-02 15:04:05Z")
	_, err = fmt.Fprintf(f, "%s %s\n", ts, message)
	return err
}

// ProgressTail returns up to n trailing lines of progress.log.
func (s *Store) ProgressTail(n int) ([]string, error) {
	path := filepath.Join(s.workspace, ProgressFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ProgressFile, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
