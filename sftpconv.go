package sshmux

import "github.com/portcall/sshmux/internal/sftpops"

func toFileEntry(e sftpops.Entry) FileEntry {
	return FileEntry{
		Name:        e.Name,
		Path:        e.Path,
		IsDir:       e.IsDir,
		IsSymlink:   e.IsSymlink,
		Size:        e.Size,
		Permissions: e.Permissions,
		Modified:    e.Modified,
	}
}

func toListDirResult(r sftpops.ListResult) ListDirResult {
	entries := make([]FileEntry, len(r.Entries))
	for i, e := range r.Entries {
		entries[i] = toFileEntry(e)
	}
	return ListDirResult{
		CurrentPath: r.CurrentPath,
		ParentPath:  r.ParentPath,
		Entries:     entries,
	}
}
