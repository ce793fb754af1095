package core

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var mediaExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
	".mp4":  true,
	".webm": true,
	".mov":  true,
	".avi":  true,
}

func isMedia(path string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

const recentFilesToLog = 5

type discoveryStrategy struct {
	name string
	find func(ctx context.Context, report CompletionReport, cutoff time.Time) ([]Artifact, error)
}

// Discoverer turns a completion report into artifacts that exist on disk.
// Strategies are tried in order and the first one returning any artifacts wins.
type Discoverer struct {
	outputDir  string
	strategies []discoveryStrategy
}

func NewDiscoverer(outputDir string) *Discoverer {
	d := &Discoverer{outputDir: outputDir}
	d.strategies = []discoveryStrategy{
		{name: "descriptors", find: d.fromDescriptors},
		{name: "scan", find: d.scanOutputDir},
	}
	return d
}

func (d *Discoverer) Discover(ctx context.Context, report CompletionReport, cutoff time.Time) ([]Artifact, error) {
	const op = "discover"

	for _, strategy := range d.strategies {
		artifacts, err := strategy.find(ctx, report, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return nil, newError(KindCanceled, op, "artifact discovery canceled", ctx.Err())
			}
			slog.Warn("artifact discovery strategy failed", "strategy", strategy.name, "error", err)
			continue
		}

		if len(artifacts) > 0 {
			slog.Info("artifacts discovered", "strategy", strategy.name, "count", len(artifacts))
			return artifacts, nil
		}

		slog.Info("artifact discovery strategy found nothing", "strategy", strategy.name)
	}

	d.logRecentMedia(cutoff)

	return nil, newError(KindNoArtifacts, op, "no generated artifacts found", nil).
		WithField("output_dir", d.outputDir).
		WithField("descriptors", len(report.Outputs))
}

func (d *Discoverer) fromDescriptors(ctx context.Context, report CompletionReport, cutoff time.Time) ([]Artifact, error) {
	artifacts := make([]Artifact, 0, len(report.Outputs))
	expected := 0

	for _, desc := range report.Outputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if desc.Filename == "" {
			continue
		}

		rel := filepath.Join(desc.Subfolder, desc.Filename)
		if filepath.IsAbs(desc.Subfolder) || filepath.IsAbs(desc.Filename) || !filepath.IsLocal(rel) {
			slog.Warn("ignoring output outside of output directory", "node_id", desc.NodeId, "subfolder", desc.Subfolder, "filename", desc.Filename)
			continue
		}

		expected++
		path := filepath.Join(d.outputDir, rel)

		info, err := os.Stat(path)
		if err != nil {
			slog.Info("reported output not found on disk", "node_id", desc.NodeId, "path", path, "error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			slog.Info("reported output is not a regular file", "node_id", desc.NodeId, "path", path)
			continue
		}

		artifacts = append(artifacts, Artifact{Path: path, Cutoff: cutoff, Size: info.Size(), ModTime: info.ModTime()})
	}

	if expected > 0 && len(artifacts) < expected {
		slog.Info("some reported outputs were not found", "found", len(artifacts), "expected", expected)
	}

	return artifacts, nil
}

func (d *Discoverer) scanOutputDir(ctx context.Context, report CompletionReport, cutoff time.Time) ([]Artifact, error) {
	var artifacts []Artifact

	err := d.walkMedia(ctx, func(path string, info fs.FileInfo) {
		if info.ModTime().After(cutoff) {
			artifacts = append(artifacts, Artifact{Path: path, Cutoff: cutoff, Size: info.Size(), ModTime: info.ModTime()})
		}
	})
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("output directory does not exist", "output_dir", d.outputDir)
		return nil, nil
	}

	return artifacts, err
}

// walkMedia calls fn for every regular media file under the output directory.
// Unreadable entries are skipped.
func (d *Discoverer) walkMedia(ctx context.Context, fn func(path string, info fs.FileInfo)) error {
	if _, err := os.Stat(d.outputDir); err != nil {
		return err
	}

	return filepath.WalkDir(d.outputDir, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			slog.Debug("skipping unreadable path", "path", path, "error", err)
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || !isMedia(path) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}

		fn(path, info)
		return nil
	})
}

func (d *Discoverer) logRecentMedia(cutoff time.Time) {
	type recent struct {
		path    string
		modTime time.Time
	}

	var files []recent
	err := d.walkMedia(context.Background(), func(path string, info fs.FileInfo) {
		files = append(files, recent{path: path, modTime: info.ModTime()})
	})
	if err != nil {
		slog.Warn("unable to list recent media files", "output_dir", d.outputDir, "error", err)
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	if len(files) > recentFilesToLog {
		files = files[:recentFilesToLog]
	}

	for _, f := range files {
		rel, err := filepath.Rel(d.outputDir, f.path)
		if err != nil {
			rel = f.path
		}
		slog.Info("recent media file in output directory", "path", rel, "mtime", f.modTime, "cutoff", cutoff)
	}
}
