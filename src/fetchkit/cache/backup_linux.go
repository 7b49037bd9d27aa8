//go:build linux

package cache

import "golang.org/x/sys/unix"

// excludeFromBackup marks a stored file as excluded from system backups via
// the user xattr convention. Best effort: filesystems without xattr support
// simply skip the mark.
func excludeFromBackup(path string) {
	if err := unix.Setxattr(path, "user.xdg.robots.backup", []byte("false"), 0); err != nil {
		log.Debug("Could not set backup-exclusion attribute", "path", path, "error", err)
	}
}
