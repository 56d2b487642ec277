package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
	"github.com/timmy/sitexport/internal/site"
	"github.com/timmy/sitexport/internal/storage"
)

// ArchiveBuilder zips the export artifacts of a finished bulk run and
// optionally publishes the archive to object storage.
type ArchiveBuilder struct {
	artifacts site.ArtifactStore
	dir       string
	store     storage.ObjectStorage
	keyPrefix string
	logger    *logger.Logger
}

// NewArchiveBuilder creates a builder. store may be nil to keep archives local.
func NewArchiveBuilder(artifacts site.ArtifactStore, cfg config.ArchiveConfig, store storage.ObjectStorage, log *logger.Logger) *ArchiveBuilder {
	if log == nil {
		log = logger.GetDefault()
	}
	return &ArchiveBuilder{
		artifacts: artifacts,
		dir:       cfg.Dir,
		store:     store,
		keyPrefix: cfg.KeyPrefix,
		logger:    log.WithComponent("archive"),
	}
}

// Path is where the archive of runID is written.
func (b *ArchiveBuilder) Path(runID string) string {
	return filepath.Join(b.dir, "bulk-"+runID+".zip")
}

func (b *ArchiveBuilder) objectKey(runID string) string {
	return path.Join(b.keyPrefix, runID+".zip")
}

// Build writes <site>/<artifact> entries for every artifact that exists.
// Absent artifacts are skipped. The archive is written to a temp file and
// renamed into place, so a reader never sees a partial archive.
func (b *ArchiveBuilder) Build(ctx context.Context, runID string, sites []string) (domain.ArchiveInfo, error) {
	start := time.Now()
	log := b.logger.WithField(logger.FieldRunID, runID)

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return domain.ArchiveInfo{}, fmt.Errorf("%w: create archive dir: %v", ErrArchiveBuild, err)
	}
	tmp, err := os.CreateTemp(b.dir, "bulk-*.zip.tmp")
	if err != nil {
		return domain.ArchiveInfo{}, fmt.Errorf("%w: create temp file: %v", ErrArchiveBuild, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	files, err := b.writeZip(ctx, tmp, sites)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return domain.ArchiveInfo{}, fmt.Errorf("%w: %v", ErrArchiveBuild, err)
	}

	final := b.Path(runID)
	if err := os.Rename(tmpName, final); err != nil {
		return domain.ArchiveInfo{}, fmt.Errorf("%w: rename archive: %v", ErrArchiveBuild, err)
	}
	fi, err := os.Stat(final)
	if err != nil {
		return domain.ArchiveInfo{}, fmt.Errorf("%w: stat archive: %v", ErrArchiveBuild, err)
	}

	builtAt := time.Now()
	info := domain.ArchiveInfo{
		Path:    final,
		Size:    fi.Size(),
		Files:   files,
		BuiltAt: &builtAt,
	}

	if b.store != nil {
		url, err := b.upload(ctx, runID, final, fi.Size())
		if err != nil {
			return domain.ArchiveInfo{}, fmt.Errorf("%w: %v", ErrArchiveBuild, err)
		}
		info.URL = url
	}

	logger.With(logger.Fields{}).
		WithCount(files).
		WithSize(fi.Size()).
		WithDuration(time.Since(start).Milliseconds()).
		Info(log.WithContext(ctx), "Archive built (%s)", humanize.Bytes(uint64(fi.Size())))
	return info, nil
}

func (b *ArchiveBuilder) writeZip(ctx context.Context, w io.Writer, sites []string) (int, error) {
	zw := zip.NewWriter(w)
	files := 0
	for _, name := range sites {
		for _, a := range b.artifacts.Artifacts(name) {
			if err := ctx.Err(); err != nil {
				zw.Close()
				return files, err
			}
			fi, err := os.Stat(a.Path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				zw.Close()
				return files, err
			}
			if !fi.Mode().IsRegular() {
				continue
			}
			if err := addZipEntry(zw, path.Join(name, a.Name), a.Path, fi); err != nil {
				zw.Close()
				return files, err
			}
			files++
		}
	}
	return files, zw.Close()
}

func addZipEntry(zw *zip.Writer, name, src string, fi fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (b *ArchiveBuilder) upload(ctx context.Context, runID, file string, size int64) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := b.objectKey(runID)
	if err := b.store.Upload(ctx, key, f, size, "application/zip"); err != nil {
		return "", err
	}
	return b.store.GetURL(key), nil
}

// Open returns a reader over the archive of runID, falling back to object
// storage when the local file is gone.
func (b *ArchiveBuilder) Open(ctx context.Context, runID string) (io.ReadCloser, error) {
	f, err := os.Open(b.Path(runID))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || b.store == nil {
		return nil, err
	}
	key := b.objectKey(runID)
	ok, existsErr := b.store.Exists(ctx, key)
	if existsErr != nil {
		return nil, existsErr
	}
	if !ok {
		return nil, err
	}
	return b.store.Download(ctx, key)
}
