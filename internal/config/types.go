package config

import (
	"fmt"
	"net/url"
	"strings"

	"cibot/internal/notification"
)

// Site is a named Hubot endpoint configuration, scoped to global or to one
// folder. Sites are value objects: resolution hands out clones, never the
// stored instance.
type Site struct {
	Name string `json:"name"`
	URL  string `json:"url"`

	// Room is the default channel. When UseFolderName is set, resolution
	// rewrites the clone's Room to the declaring folder's name and delivery
	// prepends RoomPrefix.
	Room          string `json:"room,omitempty"`
	RoomPrefix    string `json:"room_prefix,omitempty"`
	FailOnError   bool   `json:"fail_on_error,omitempty"`
	UseFolderName bool   `json:"use_folder_name,omitempty"`
	DefaultSite   bool   `json:"default,omitempty"`

	Notifications []Rule `json:"notifications,omitempty"`
}

// Clone returns an independent copy of s. The rule slice is copied so the
// clone can be handed across goroutines without aliasing stored config.
func (s Site) Clone() Site {
	cp := s
	if len(s.Notifications) > 0 {
		cp.Notifications = append([]Rule(nil), s.Notifications...)
	}
	return cp
}

// Rule binds one notification type to rooms and macro tokens for a Site.
type Rule struct {
	Enabled bool              `json:"enabled"`
	Type    notification.Type `json:"type"`

	// RoomNames is a comma-separated room list. When non-empty it entirely
	// replaces the site's own room for this rule.
	RoomNames string `json:"room_names,omitempty"`

	// Tokens is a comma-separated list of macro names to expand and attach.
	Tokens string `json:"tokens,omitempty"`
}

// Rooms returns the trimmed, non-empty entries of RoomNames.
func (r Rule) Rooms() []string {
	if strings.TrimSpace(r.RoomNames) == "" {
		return nil
	}
	var out []string
	for _, name := range strings.Split(r.RoomNames, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Job carries the per-job notification settings and the job's ancestor
// folder chain, nearest-first (immediate parent folder at index 0). Folder
// entries are full paths as the host names them, e.g. "team/platform".
type Job struct {
	EnableNotifications bool
	SiteName            string
	Folders             []string
}

// Store is the full persisted site layout: ordered global sites plus the
// ordered site list of every configured folder scope.
type Store struct {
	Global  []Site            `json:"sites,omitempty"`
	Folders map[string][]Site `json:"folders,omitempty"`
}

// Validate checks the layout. It does not reject multiple default sites in
// one scope; resolution keeps the first and ignores the rest.
func (s *Store) Validate() error {
	for i, site := range s.Global {
		if err := validateSite(site, fmt.Sprintf("sites[%d]", i)); err != nil {
			return err
		}
	}
	for folder, sites := range s.Folders {
		if strings.TrimSpace(folder) == "" {
			return fmt.Errorf("config: folders: empty folder path")
		}
		for i, site := range sites {
			if err := validateSite(site, fmt.Sprintf("folders[%s][%d]", folder, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSite(site Site, path string) error {
	if strings.TrimSpace(site.Name) == "" {
		return fmt.Errorf("config: %s: site name is required", path)
	}
	if strings.TrimSpace(site.URL) == "" {
		return fmt.Errorf("config: %s: url is required", path)
	}
	u, err := url.Parse(site.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s: invalid url %q", path, site.URL)
	}
	if !site.UseFolderName && strings.TrimSpace(site.Room) == "" {
		return fmt.Errorf("config: %s: room is required unless use_folder_name is set", path)
	}
	for i, rule := range site.Notifications {
		if !rule.Type.Known() {
			return fmt.Errorf("config: %s: notifications[%d]: unknown type %q", path, i, rule.Type)
		}
	}
	return nil
}
