package artifact

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"booml/internal/evaluation/tabular"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
}

// skippedDirs are internal to the runtime and never reported.
var skippedDirs = map[string]bool{
	".vm_agent": true,
	".streams":  true,
}

// Collector turns workspace files into typed outputs.
type Collector struct {
	MaxFileBytes int64
	PreviewRows  int
}

// NewCollector returns a collector with the given size and preview limits.
func NewCollector(maxFileBytes int64, previewRows int) *Collector {
	return &Collector{MaxFileBytes: maxFileBytes, PreviewRows: previewRows}
}

type entry struct {
	name string
	path string
	size int64
}

// Collect scans workspace and emits text, html, image then table outputs.
// Files lists every regular file regardless of type.
func (c *Collector) Collect(ctx context.Context, workspace, stdout string) ([]Output, []File) {
	var outputs []Output
	if strings.TrimSpace(stdout) != "" {
		outputs = append(outputs, Output{Type: TypeText, Body: stdout})
	}

	entries := c.scan(ctx, workspace)
	files := make([]File, 0, len(entries))
	var htmls, images, tables []entry
	for _, e := range entries {
		files = append(files, File{Name: e.name, Size: e.size})
		if c.MaxFileBytes > 0 && e.size > c.MaxFileBytes {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.name))
		switch {
		case strings.HasPrefix(ext, ".htm"):
			htmls = append(htmls, e)
		case imageExtensions[ext]:
			images = append(images, e)
		case ext == ".csv":
			tables = append(tables, e)
		}
	}

	for _, e := range htmls {
		body, err := os.ReadFile(e.path)
		if err != nil {
			logger.Warn(ctx, "skip unreadable html artifact", zap.String("name", e.name), zap.Error(err))
			continue
		}
		outputs = append(outputs, Output{Type: TypeHTML, Name: e.name, Body: string(body)})
	}
	for _, e := range images {
		outputs = append(outputs, Output{Type: TypeImage, Name: e.name, RelativeURL: e.name})
	}
	for _, e := range tables {
		frame, truncated, err := tabular.Preview(e.path, c.PreviewRows)
		if err != nil {
			logger.Warn(ctx, "skip unparsable csv artifact", zap.String("name", e.name), zap.Error(err))
			continue
		}
		rows := frame.Rows
		if rows == nil {
			rows = [][]string{}
		}
		outputs = append(outputs, Output{
			Type:        TypeTable,
			Name:        e.name,
			Columns:     frame.Header,
			Rows:        rows,
			Truncated:   truncated,
			DownloadURL: e.name,
		})
	}
	return outputs, files
}

func (c *Collector) scan(ctx context.Context, workspace string) []entry {
	var entries []entry
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == workspace {
				return err
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != workspace && (skippedDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return nil
		}
		entries = append(entries, entry{name: filepath.ToSlash(rel), path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		logger.Warn(ctx, "scan workspace failed", zap.String("workspace", workspace), zap.Error(err))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		li, lj := strings.ToLower(entries[i].name), strings.ToLower(entries[j].name)
		if li != lj {
			return li < lj
		}
		return entries[i].name < entries[j].name
	})
	return entries
}
