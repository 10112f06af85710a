// Package disk tracks free space under the recording directory, names new
// recordings and evicts old ones when the volume fills up.
package disk

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"clipstream/internal/logging"
	"clipstream/internal/media"
)

const (
	// LowSpaceFloorMB is the absolute free-space floor below which the volume
	// counts as low, regardless of the storage cap.
	LowSpaceFloorMB = 1000

	DefaultMaxStorageMB     = 10000
	DefaultCleanupThreshold = 90

	// cleanupTarget is the fraction of the threshold that cleanup drains to.
	cleanupTarget = 0.8

	defaultPrefix = "recording"
	timeLayout    = "20060102_150405"
	bytesPerMB    = 1024 * 1024
)

// State is a snapshot of the volume backing the output directory.
type State struct {
	TotalMB uint64 `json:"total_mb"`
	FreeMB  uint64 `json:"free_mb"`
	UsedMB  uint64 `json:"used_mb"`
}

// UsageFunc reports filesystem usage for the volume containing path.
type UsageFunc func(path string) (*disk.UsageStat, error)

type Option func(*Manager)

// WithUsageFunc replaces the gopsutil volume query.
func WithUsageFunc(fn UsageFunc) Option {
	return func(m *Manager) { m.usage = fn }
}

// WithClock replaces time.Now for filename generation.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used for cleanup and file operations.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(logger, "disk") }
}

// Manager owns the output directory. It is safe for concurrent use.
type Manager struct {
	mu               sync.Mutex
	dir              string
	maxStorageMB     uint64
	thresholdPercent int
	state            State

	usage  UsageFunc
	now    func() time.Time
	logger *slog.Logger
}

// New creates directory when it is missing and takes a first reading of
// the volume.
func New(directory string, maxStorageMB uint64, opts ...Option) (*Manager, error) {
	if directory == "" {
		return nil, fmt.Errorf("disk: directory is required")
	}

	m := &Manager{
		dir:              directory,
		maxStorageMB:     maxStorageMB,
		thresholdPercent: DefaultCleanupThreshold,
		usage:            disk.Usage,
		now:              time.Now,
		logger:           logging.Component(nil, "disk"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", directory, err)
	}
	if err := m.RefreshDiskSpace(); err != nil {
		return nil, err
	}
	return m, nil
}

// Directory returns the output directory.
func (m *Manager) Directory() string {
	return m.dir
}

// RefreshDiskSpace re-reads the volume statistics.
func (m *Manager) RefreshDiskSpace() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked()
}

func (m *Manager) refreshLocked() error {
	stat, err := m.usage(m.dir)
	if err != nil {
		return fmt.Errorf("failed to get disk space info for %s: %w", m.dir, err)
	}
	total := stat.Total / bytesPerMB
	free := stat.Free / bytesPerMB
	used := uint64(0)
	if total > free {
		used = total - free
	}
	m.state = State{TotalMB: total, FreeMB: free, UsedMB: used}
	return nil
}

// State refreshes and returns the volume snapshot.
func (m *Manager) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.refreshLocked()
	return m.state, err
}

func (m *Manager) FreeSpaceMB() uint64 {
	s, _ := m.State()
	return s.FreeMB
}

func (m *Manager) UsedSpaceMB() uint64 {
	s, _ := m.State()
	return s.UsedMB
}

func (m *Manager) TotalSpaceMB() uint64 {
	s, _ := m.State()
	return s.TotalMB
}

// UsagePercent is the share of the volume in use, 0 when the total is unknown.
func (m *Manager) UsagePercent() float64 {
	s, _ := m.State()
	if s.TotalMB == 0 {
		return 0
	}
	return float64(s.UsedMB) / float64(s.TotalMB) * 100
}

// IsSpaceLow reports whether free space is under LowSpaceFloorMB.
func (m *Manager) IsSpaceLow() bool {
	return m.FreeSpaceMB() < LowSpaceFloorMB
}

// IsAtLimit sums the regular files in the output directory and compares
// the total against the storage cap.
func (m *Manager) IsAtLimit() bool {
	m.mu.Lock()
	maxMB := m.maxStorageMB
	_ = m.refreshLocked()
	m.mu.Unlock()

	files, err := m.ListRecordings()
	if err != nil {
		return false
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return uint64(total)/bytesPerMB >= maxMB
}

// SetMaxStorage changes the limit IsAtLimit checks against.
func (m *Manager) SetMaxStorage(maxStorageMB uint64) {
	m.mu.Lock()
	m.maxStorageMB = maxStorageMB
	m.mu.Unlock()
}

func (m *Manager) MaxStorageMB() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxStorageMB
}

// SetCleanupThreshold sets the usage percentage that triggers auto-cleanup.
// Values outside 1..100 are clamped.
func (m *Manager) SetCleanupThreshold(percent int) {
	if percent < 1 {
		percent = 1
	}
	if percent > 100 {
		percent = 100
	}
	m.mu.Lock()
	m.thresholdPercent = percent
	m.mu.Unlock()
}

func (m *Manager) CleanupThreshold() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholdPercent
}

// FileInfo describes one file in the output directory.
type FileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ListRecordings returns the regular files in the output directory, oldest
// modification time first.
func (m *Manager) ListRecordings() ([]FileInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(m.dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// AutoCleanupOldRecordings deletes the oldest files once volume usage
// reaches the cleanup threshold, stopping when usage falls under 80% of
// the threshold. Hidden files (in-progress writes) are never touched.
// It returns the number of files removed.
func (m *Manager) AutoCleanupOldRecordings() (int, error) {
	threshold := float64(m.CleanupThreshold())
	if m.UsagePercent() < threshold {
		return 0, nil
	}

	files, err := m.ListRecordings()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if m.UsagePercent() < threshold*cleanupTarget {
			break
		}
		if strings.HasPrefix(f.Name, ".") {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			m.logger.Warn("failed to remove old recording", "file", f.Path, "error", err)
			continue
		}
		removed++
		m.logger.Info("removed old recording", "file", f.Path, "size_bytes", f.Size)
	}
	return removed, nil
}

// RemoveRecording deletes one file from the output directory.
func (m *Manager) RemoveRecording(name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("invalid recording name %q", name)
	}
	if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
		return fmt.Errorf("failed to remove recording %s: %w", name, err)
	}
	return nil
}

// CleanupDirectory deletes every regular file in the output directory.
func (m *Manager) CleanupDirectory() (int, error) {
	files, err := m.ListRecordings()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil {
			m.logger.Warn("failed to remove file", "file", f.Path, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// GenerateFilename returns <slug>_<YYYYMMDD_HHMMSS>.<ext>. When that name
// is already taken in the output directory a counter is appended.
func (m *Manager) GenerateFilename(gameName string, container media.Container) string {
	slug := Slugify(gameName)
	if slug == "" {
		slug = defaultPrefix
	}
	stem := slug + "_" + m.now().Format(timeLayout)
	ext := "." + container.Extension()

	name := stem + ext
	for n := 2; m.exists(name); n++ {
		name = stem + "_" + strconv.Itoa(n) + ext
	}
	return name
}

func (m *Manager) exists(name string) bool {
	_, err := os.Lstat(filepath.Join(m.dir, name))
	return !os.IsNotExist(err)
}

// Slugify keeps letters, digits, dash and underscore, turning runs of
// anything else into a single underscore.
func Slugify(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
