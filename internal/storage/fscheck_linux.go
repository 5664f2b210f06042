//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// Statfs magic numbers for the network filesystems we refuse, from
// linux/magic.h.
var linuxFSNames = map[uint32]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
}

func detectFilesystemType(path string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	// Statfs_t.Type width varies by arch; the magics are 32-bit.
	magic := uint32(st.Type)
	if name, ok := linuxFSNames[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
