// Package iso authors the bootable ISO9660 images used for unattended OS
// installation (§4.1 step 9): an answer file (autounattend.xml for Windows,
// cloud-init meta-data/user-data for Linux preseed-style installs) plus any
// supporting files, written in pure Go with no external mkisofs dependency.
package iso

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
)

// Entry is one file to place in the authored image, at Path from the ISO
// root (forward-slash separated).
type Entry struct {
	Path   string
	Reader io.Reader
}

// Author writes an ISO9660 image at isoPath containing layout, labelled
// with volumeLabel, replacing any existing file at isoPath atomically
// enough for this use (single-writer-per-VM, per §5).
func Author(isoPath, volumeLabel string, layout []Entry) error {
	if err := os.RemoveAll(isoPath); err != nil {
		return fmt.Errorf("remove existing iso %s: %w", isoPath, err)
	}

	isoFile, err := os.Create(isoPath)
	if err != nil {
		return fmt.Errorf("create iso %s: %w", isoPath, err)
	}
	defer isoFile.Close()

	workdir, err := os.MkdirTemp("", "infinization-iso")
	if err != nil {
		return fmt.Errorf("create iso workdir: %w", err)
	}
	defer os.RemoveAll(workdir)

	fs, err := iso9660.Create(isoFile, 0, 0, 0, workdir)
	if err != nil {
		return fmt.Errorf("create iso9660 filesystem: %w", err)
	}

	for _, entry := range layout {
		if _, err := writeEntry(fs, entry.Path, entry.Reader); err != nil {
			return fmt.Errorf("write %s to iso: %w", entry.Path, err)
		}
	}

	if err := fs.Finalize(iso9660.FinalizeOptions{
		RockRidge:        true,
		VolumeIdentifier: volumeLabel,
	}); err != nil {
		return fmt.Errorf("finalize iso: %w", err)
	}
	return isoFile.Close()
}

func writeEntry(fs filesystem.FileSystem, entryPath string, r io.Reader) (int64, error) {
	entryPath = "/" + strings.TrimPrefix(entryPath, "/")
	if dir := path.Dir(entryPath); dir != "" && dir != "/" {
		if err := fs.Mkdir(dir); err != nil {
			return 0, err
		}
	}
	f, err := fs.OpenFile(entryPath, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, r)
}

// Path computes the default unattended-install ISO location for a VM,
// mirroring the disk/socket/pid-file naming convention (§6).
func Path(isoDir, internalName string) string {
	return filepath.Join(isoDir, internalName+"-unattended.iso")
}
