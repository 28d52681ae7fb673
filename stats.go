package imap

import (
	"fmt"
)

// FolderStats represents statistics for a folder
type FolderStats struct {
	Name        string
	Count       int64
	Unseen      int64
	UIDNext     int64
	UIDValidity int64
	Error       error
}

// FolderStats returns statistics for every listed folder, starting from
// startFolder (all folders when empty) and skipping excluded ones. Folders
// that cannot be queried carry their error instead of failing the call.
func (s *Store) FolderStats(startFolder string, excluded []string) ([]FolderStats, error) {
	folders, err := s.ListFolders()
	if err != nil {
		return nil, err
	}

	startFound := startFolder == ""
	excludeMap := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		excludeMap[name] = true
	}

	c, err := s.GetConnection()
	if err != nil {
		return nil, err
	}
	defer s.ReleaseConnection(c)

	var stats []FolderStats
	for _, item := range folders {
		if !startFound {
			if item.Name != startFolder {
				continue
			}
			startFound = true
		}
		if excludeMap[item.Name] {
			continue
		}

		stat := FolderStats{Name: item.Name}
		f := newFolder(s, item.Name)
		responses, err := c.ExecuteSimpleCommand(fmt.Sprintf("STATUS %s (MESSAGES UIDNEXT UIDVALIDITY UNSEEN)", f.wireName(c)))
		if err != nil {
			if isConnectionError(err) {
				return stats, err
			}
			stat.Error = err
			stats = append(stats, stat)
			continue
		}
		if st, ok := ParseStatus(responses); ok {
			stat.Count = st.Messages
			stat.Unseen = st.Unseen
			stat.UIDNext = st.UIDNext
			stat.UIDValidity = st.UIDValidity
		} else {
			stat.Error = protocolErrorf("no STATUS data for %s", item.Name)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}
