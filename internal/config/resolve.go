package config

import "strings"

// Resolve picks the effective site for a job whose ancestor folders are
// given nearest-first. siteName, when non-empty, selects by case-insensitive
// name; otherwise the nearest default-flagged site wins. Folder scopes beat
// the global list, and a nearer folder beats a farther one; a match is
// never overwritten by a later one.
//
// The returned site is always a clone. For sites flagged UseFolderName the
// clone's Room is rewritten to the declaring folder's name (or, for global
// sites, the job's innermost folder); delivery applies RoomPrefix.
//
// A nil result means nothing matched, which is not an error by itself.
func (s *Store) Resolve(folders []string, siteName string) *Site {
	siteName = strings.TrimSpace(siteName)

	var named, fallback *Site
	for _, folder := range folders {
		for _, site := range s.Folders[folder] {
			clone := site.Clone()
			if clone.UseFolderName {
				clone.Room = folderBase(folder)
			}
			if siteName != "" {
				if named == nil && strings.EqualFold(clone.Name, siteName) {
					named = &clone
				}
			} else if fallback == nil && clone.DefaultSite {
				fallback = &clone
			}
		}
	}

	if named == nil && fallback == nil {
		innermost := ""
		if len(folders) > 0 {
			innermost = folderBase(folders[0])
		}
		for _, site := range s.Global {
			clone := site.Clone()
			if clone.UseFolderName && innermost != "" {
				clone.Room = innermost
			}
			if siteName != "" {
				if named == nil && strings.EqualFold(clone.Name, siteName) {
					named = &clone
				}
			} else if fallback == nil && clone.DefaultSite {
				fallback = &clone
			}
		}
	}

	if named != nil {
		return named
	}
	return fallback
}

// ResolveForJob applies the job-level gate before resolving: a job with
// notifications disabled never searches at all.
func (s *Store) ResolveForJob(job Job) *Site {
	if !job.EnableNotifications {
		return nil
	}
	return s.Resolve(job.Folders, job.SiteName)
}

// folderBase returns the last element of a folder path, which is the
// folder's own name.
func folderBase(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
