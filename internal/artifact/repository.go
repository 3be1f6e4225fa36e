package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fraudshield/internal/model"
)

// Slot names a pointer file inside the artifact directory.
type Slot string

const (
	Champion   Slot = "CHAMPION"
	Challenger Slot = "CHALLENGER"
)

const (
	classifierFile = "classifier.json"
	detectorFile   = "detector.json"
	genPrefix      = "gen-"
)

var (
	// ErrSlotEmpty is returned when a slot has no pointer or its generation is gone.
	ErrSlotEmpty = errors.New("artifact: slot is empty")
	// ErrCorrupt wraps decode and validation failures of persisted models.
	ErrCorrupt = errors.New("artifact: corrupt model artifact")
)

// Repository stores model pairs in immutable generation directories and
// addresses them through slot pointer files. A pointer is always replaced by
// rename, so readers observe either the old or the new complete pair.
type Repository struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewRepository returns a repository rooted at dir. The directory is created
// on first write.
func NewRepository(dir string, logger zerolog.Logger) *Repository {
	return &Repository{
		dir:    dir,
		logger: logger.With().Str("component", "artifacts").Logger(),
		now:    time.Now,
	}
}

// Dir returns the repository root.
func (r *Repository) Dir() string {
	return r.dir
}

// Generation returns the generation directory name a slot points to.
func (r *Repository) Generation(slot Slot) (string, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, string(slot)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSlotEmpty, slot)
		}
		return "", fmt.Errorf("read %s pointer: %w", slot, err)
	}
	gen := strings.TrimSpace(string(raw))
	if gen == "" || strings.ContainsAny(gen, `/\`) {
		return "", fmt.Errorf("%w: %s pointer %q", ErrCorrupt, slot, gen)
	}
	return gen, nil
}

// Exists reports whether slot names a generation with both model files.
func (r *Repository) Exists(slot Slot) bool {
	gen, err := r.Generation(slot)
	if err != nil {
		return false
	}
	for _, name := range []string{classifierFile, detectorFile} {
		if _, err := os.Stat(filepath.Join(r.dir, gen, name)); err != nil {
			return false
		}
	}
	return true
}

// Load decodes and validates the pair a slot points to.
func (r *Repository) Load(slot Slot) (*model.Pair, error) {
	gen, err := r.Generation(slot)
	if err != nil {
		return nil, err
	}

	var pair model.Pair
	if err := r.readJSON(gen, classifierFile, &pair.Classifier); err != nil {
		return nil, fmt.Errorf("load %s classifier: %w", slot, err)
	}
	if err := r.readJSON(gen, detectorFile, &pair.Detector); err != nil {
		return nil, fmt.Errorf("load %s detector: %w", slot, err)
	}
	if err := pair.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, slot, err)
	}
	return &pair, nil
}

// Save writes pair into a fresh generation and points slot at it.
func (r *Repository) Save(slot Slot, pair *model.Pair) (string, error) {
	if err := pair.Validate(); err != nil {
		return "", fmt.Errorf("save %s: %w", slot, err)
	}
	clf, err := json.Marshal(pair.Classifier)
	if err != nil {
		return "", fmt.Errorf("encode classifier: %w", err)
	}
	det, err := json.Marshal(pair.Detector)
	if err != nil {
		return "", fmt.Errorf("encode detector: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit(slot, clf, det)
}

// Promote copies the generation behind from into a fresh generation and
// points to at it. The source slot is left untouched.
func (r *Repository) Promote(from, to Slot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen, err := r.Generation(from)
	if err != nil {
		return "", err
	}
	clf, err := os.ReadFile(filepath.Join(r.dir, gen, classifierFile))
	if err != nil {
		return "", r.missing(from, err)
	}
	det, err := os.ReadFile(filepath.Join(r.dir, gen, detectorFile))
	if err != nil {
		return "", r.missing(from, err)
	}
	return r.commit(to, clf, det)
}

// Prune removes generation directories no slot points to, keeping the
// newest keep of them. Failures are logged and skipped.
func (r *Repository) Prune(keep int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[string]bool)
	for _, slot := range []Slot{Champion, Challenger} {
		if gen, err := r.Generation(slot); err == nil {
			live[gen] = true
		}
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn().Err(err).Msg("list artifact generations")
		}
		return 0
	}

	// ReadDir sorts by name, and generation names sort by creation time.
	var stale []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() && strings.HasPrefix(name, genPrefix) && !live[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) <= keep {
		return 0
	}

	removed := 0
	for _, name := range stale[:len(stale)-keep] {
		if err := os.RemoveAll(filepath.Join(r.dir, name)); err != nil {
			r.logger.Warn().Err(err).Str("generation", name).Msg("remove stale generation")
			continue
		}
		removed++
	}
	return removed
}

func (r *Repository) commit(slot Slot, clf, det []byte) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	gen := fmt.Sprintf("%s%019d-%s", genPrefix, r.now().UnixNano(), uuid.NewString()[:8])
	staging, err := os.MkdirTemp(r.dir, ".staging-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(staging) }

	if err := writeSynced(filepath.Join(staging, classifierFile), clf); err != nil {
		cleanup()
		return "", err
	}
	if err := writeSynced(filepath.Join(staging, detectorFile), det); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Rename(staging, filepath.Join(r.dir, gen)); err != nil {
		cleanup()
		return "", fmt.Errorf("publish generation: %w", err)
	}

	if err := r.pointTo(slot, gen); err != nil {
		return "", err
	}
	r.logger.Info().Str("slot", string(slot)).Str("generation", gen).Msg("slot updated")
	return gen, nil
}

func (r *Repository) pointTo(slot Slot, gen string) error {
	tmp, err := os.CreateTemp(r.dir, "."+string(slot)+"-")
	if err != nil {
		return fmt.Errorf("create %s pointer: %w", slot, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(gen + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s pointer: %w", slot, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s pointer: %w", slot, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s pointer: %w", slot, err)
	}
	if err := os.Rename(tmpName, filepath.Join(r.dir, string(slot))); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("swap %s pointer: %w", slot, err)
	}
	return nil
}

func (r *Repository) readJSON(gen, name string, dst any) error {
	raw, err := os.ReadFile(filepath.Join(r.dir, gen, name))
	if err != nil {
		return r.missing(Slot(gen), err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, gen, name, err)
	}
	return nil
}

func (r *Repository) missing(slot Slot, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSlotEmpty, slot)
	}
	return err
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
