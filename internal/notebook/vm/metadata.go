package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const metadataFile = "metadata.json"

// errNoMetadata marks a VM directory without readable metadata.
var errNoMetadata = errors.New("vm metadata missing")

func writeMetadata(h *Handle) error {
	h.mu.Lock()
	data, err := json.MarshalIndent(h, "", "  ")
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(h.Dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmpName, h.MetadataPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

func readMetadata(dir string) (*Handle, error) {
	path := filepath.Join(dir, metadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errNoMetadata
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", errNoMetadata, err)
	}
	h.Dir = dir
	h.MetadataPath = path
	if h.WorkspacePath == "" {
		h.WorkspacePath = filepath.Join(dir, "workspace")
	}
	if h.BackendData == nil {
		h.BackendData = map[string]string{}
	}
	return &h, nil
}

// ReadHandle loads the handle persisted in a VM directory.
func ReadHandle(dir string) (*Handle, error) {
	return readMetadata(dir)
}
