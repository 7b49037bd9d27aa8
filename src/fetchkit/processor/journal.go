package processor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// journal persists one descriptor file per in-flight transfer so transfers
// interrupted by a process death can be reattached on the next start. The
// descriptor is the downloadable's durable form; the journal entry is removed
// when the transfer reaches a terminal state.
type journal struct {
	dir string
}

func newJournal(dir string) (*journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &journal{dir: dir}, nil
}

func (j *journal) path(downloadableID string) string {
	return filepath.Join(j.dir, downloadableID+".json")
}

// record writes the descriptor for a transfer that is about to start.
func (j *journal) record(d *resource.Downloadable) error {
	data, err := d.Descriptor().Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(j.path(d.ID()), data, 0644)
}

// remove drops the journal entry for a terminal transfer.
func (j *journal) remove(downloadableID string) {
	if err := os.Remove(j.path(downloadableID)); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove journal entry", "id", downloadableID, "error", err)
	}
}

// pending decodes every descriptor left behind by a previous process
// lifetime. Unreadable entries are deleted rather than returned.
func (j *journal) pending() []resource.Descriptor {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		log.Warn("Failed to read journal directory", "dir", j.dir, "error", err)
		return nil
	}

	var out []resource.Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(j.dir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			log.Warn("Failed to read journal entry", "path", full, "error", err)
			continue
		}
		desc, err := resource.DecodeDescriptor(data)
		if err != nil || desc.ID == "" || desc.Location == "" {
			log.Warn("Dropping undecodable journal entry", "path", full)
			os.Remove(full)
			continue
		}
		out = append(out, desc)
	}
	return out
}
