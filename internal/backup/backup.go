// Package backup snapshots the SQLite database into a local directory,
// optionally encrypts and mirrors the snapshots to S3-compatible storage,
// and restores them.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/vitalog/internal/database"
	"github.com/dukerupert/vitalog/internal/metrics"
	"github.com/dukerupert/vitalog/internal/model"
)

const (
	filePrefix   = "health_metrics_"
	plainSuffix  = ".db"
	cryptSuffix  = ".db.enc"
	s3KeyPrefix  = "backups/"
	stampLayout  = "20060102_150405"
	tempFilePerm = 0o600
)

var (
	ErrInvalidFilename    = errors.New("invalid backup filename")
	ErrBackupNotFound     = errors.New("backup not found")
	ErrPassphraseRequired = errors.New("backup is encrypted and no passphrase is configured")
	ErrBusy               = errors.New("another backup operation is in progress")
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Config holds backup manager configuration.
type Config struct {
	Dir        string
	DBPath     string
	Passphrase string
	S3         S3Config
}

// State represents the backup manager state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	LastFile   string     `json:"last_file,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
	S3Enabled  bool       `json:"s3_enabled"`
	Encrypted  bool       `json:"encrypted"`
}

// Manager creates, lists, prunes and restores database backups. Create and
// Restore never run concurrently.
type Manager struct {
	mu     sync.RWMutex
	run    sync.Mutex
	cfg    Config
	status Status

	db         *sql.DB
	client     s3Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	onRestored func()
	now        func() time.Time
}

// NewManager creates a backup manager. onRestored is called after a restore
// has replaced the database file; the caller is expected to restart.
func NewManager(cfg Config, db *sql.DB, m *metrics.Metrics, logger *slog.Logger, onRestored func()) *Manager {
	mgr := &Manager{
		cfg:        cfg,
		db:         db,
		metrics:    m,
		logger:     logger,
		onRestored: onRestored,
		now:        time.Now,
		status: Status{
			State:     StateIdle,
			S3Enabled: cfg.S3.enabled(),
			Encrypted: cfg.Passphrase != "",
		},
	}
	if cfg.S3.enabled() {
		mgr.client = newS3Client(cfg.S3)
	}
	return mgr
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setState(state State, errMsg string) {
	m.mu.Lock()
	m.status.State = state
	m.status.InProgress = state == StateRunning
	m.status.Error = errMsg
	m.mu.Unlock()
}

func (m *Manager) fail(err error) error {
	m.setState(StateError, err.Error())
	m.metrics.BackupRun(false)
	return err
}

// Create takes a consistent snapshot of the database.
func (m *Manager) Create(ctx context.Context) (*model.Backup, error) {
	if !m.run.TryLock() {
		return nil, ErrBusy
	}
	defer m.run.Unlock()
	return m.create(ctx)
}

func (m *Manager) create(ctx context.Context) (*model.Backup, error) {
	m.setState(StateRunning, "")

	if err := os.MkdirAll(m.cfg.Dir, 0o700); err != nil {
		return nil, m.fail(fmt.Errorf("create backup dir: %w", err))
	}

	created := m.now().UTC()
	base := m.uniqueBase(created)
	snapshot := filepath.Join(m.cfg.Dir, base+plainSuffix)

	if _, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, m.fail(fmt.Errorf("wal checkpoint: %w", err))
	}
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		os.Remove(snapshot)
		return nil, m.fail(fmt.Errorf("snapshot database: %w", err))
	}

	path := snapshot
	if m.cfg.Passphrase != "" {
		path = filepath.Join(m.cfg.Dir, base+cryptSuffix)
		err := EncryptFile(snapshot, path, m.cfg.Passphrase)
		os.Remove(snapshot)
		if err != nil {
			os.Remove(path)
			return nil, m.fail(fmt.Errorf("encrypt: %w", err))
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, m.fail(fmt.Errorf("stat backup: %w", err))
	}

	b := &model.Backup{
		Filename:  filepath.Base(path),
		Path:      path,
		SizeBytes: info.Size(),
		Encrypted: m.cfg.Passphrase != "",
		CreatedAt: created,
	}

	if m.client != nil {
		if err := m.upload(ctx, path, b.Filename); err != nil {
			m.logger.Warn("backup upload failed, keeping local copy", "file", b.Filename, "error", err)
		} else {
			b.Uploaded = true
		}
	}

	m.mu.Lock()
	m.status.State = StateIdle
	m.status.InProgress = false
	m.status.Error = ""
	m.status.LastBackup = &created
	m.status.LastFile = b.Filename
	m.mu.Unlock()
	m.metrics.BackupRun(true)

	m.logger.Info("backup created", "file", b.Filename, "size", b.SizeBytes, "encrypted", b.Encrypted, "uploaded", b.Uploaded)
	return b, nil
}

// uniqueBase returns a file stem for t that no existing backup uses.
func (m *Manager) uniqueBase(t time.Time) string {
	base := filePrefix + t.Format(stampLayout)
	candidate := base
	for i := 1; ; i++ {
		if !exists(filepath.Join(m.cfg.Dir, candidate+plainSuffix)) && !exists(filepath.Join(m.cfg.Dir, candidate+cryptSuffix)) {
			return candidate
		}
		candidate = base + "_" + strconv.Itoa(i)
	}
}

func (m *Manager) upload(ctx context.Context, path, filename string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat backup: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(s3KeyPrefix + filename),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}
	return nil
}

// List returns the backups in the backup directory, newest first.
func (m *Manager) List(ctx context.Context) ([]model.Backup, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []model.Backup{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	backups := []model.Backup{}
	for _, e := range entries {
		if e.IsDir() || !isBackupName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, model.Backup{
			Filename:  e.Name(),
			Path:      filepath.Join(m.cfg.Dir, e.Name()),
			SizeBytes: info.Size(),
			Encrypted: strings.HasSuffix(e.Name(), cryptSuffix),
			CreatedAt: info.ModTime().UTC(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return backups[i].Filename > backups[j].Filename
	})
	return backups, nil
}

// Restore replaces the database with the named backup. A safety backup of
// the current database is taken first. On success the restart hook runs.
func (m *Manager) Restore(ctx context.Context, filename string) error {
	if !isBackupName(filename) || filepath.Base(filename) != filename {
		return ErrInvalidFilename
	}
	if !m.run.TryLock() {
		return ErrBusy
	}
	defer m.run.Unlock()

	encrypted := strings.HasSuffix(filename, cryptSuffix)
	if encrypted && m.cfg.Passphrase == "" {
		return ErrPassphraseRequired
	}

	path := filepath.Join(m.cfg.Dir, filename)
	if !exists(path) {
		if err := m.download(ctx, filename, path); err != nil {
			return err
		}
	}

	safety, err := m.create(ctx)
	if err != nil {
		return fmt.Errorf("safety backup: %w", err)
	}

	staged := filepath.Join(m.cfg.Dir, ".restore-"+strings.TrimSuffix(filename, ".enc"))
	defer os.Remove(staged)

	if encrypted {
		err = DecryptFile(path, staged, m.cfg.Passphrase)
	} else {
		err = copyFile(path, staged)
	}
	if err != nil {
		return fmt.Errorf("prepare restore: %w", err)
	}

	if err := database.IntegrityCheck(staged); err != nil {
		return fmt.Errorf("restore %s: %w", filename, err)
	}

	if _, err := m.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if err := copyFile(staged, m.cfg.DBPath); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(m.cfg.DBPath + "-wal")
	os.Remove(m.cfg.DBPath + "-shm")

	m.logger.Info("database restored", "file", filename, "safety_backup", safety.Filename)
	if m.onRestored != nil {
		m.onRestored()
	}
	return nil
}

func (m *Manager) download(ctx context.Context, filename, dst string) error {
	if m.client == nil {
		return ErrBackupNotFound
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(s3KeyPrefix + filename),
	})
	if err != nil {
		return fmt.Errorf("%w: download from s3: %w", ErrBackupNotFound, err)
	}
	defer result.Body.Close()

	if err := os.MkdirAll(m.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, tempFilePerm)
	if err != nil {
		return fmt.Errorf("create local copy: %w", err)
	}
	if _, err := io.Copy(out, result.Body); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("write downloaded file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close downloaded file: %w", err)
	}
	m.logger.Info("backup downloaded from s3", "file", filename)
	return nil
}

// Cleanup deletes backups older than retentionDays, locally and in S3.
// A non-positive retention keeps everything. It returns the number of
// local files removed.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	backups, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, b := range backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			m.logger.Warn("remove old backup", "file", b.Filename, "error", err)
			continue
		}
		removed++
		if m.client == nil {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(s3KeyPrefix + b.Filename),
		}); err != nil {
			m.logger.Warn("delete s3 object", "key", s3KeyPrefix+b.Filename, "error", err)
		}
	}

	if removed > 0 {
		m.logger.Info("old backups removed", "count", removed, "retention_days", retentionDays)
	}
	return removed, nil
}

func isBackupName(name string) bool {
	if !strings.HasPrefix(name, filePrefix) {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return strings.HasSuffix(name, plainSuffix) || strings.HasSuffix(name, cryptSuffix)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
