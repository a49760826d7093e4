package board

import (
	"strings"
	"time"
)

// IsPlayerFolder reports whether a folder is shown to players.
func IsPlayerFolder(f Folder, playerFolder string) bool {
	return strings.TrimSpace(f.Name) == playerFolder
}

// IsPlayerVisibleToken reports whether a token is shown to players: its
// folder must be the player folder.
func IsPlayerVisibleToken(t Token, folders []Folder, playerFolder string) bool {
	for _, f := range folders {
		if f.ID == t.FolderID {
			return IsPlayerFolder(f, playerFolder)
		}
	}
	return false
}

// Normalize returns a normalized copy of s, as a store with the default ping
// limits and playerFolder would hold it at now. A player snapshot comes back
// restricted.
func Normalize(s Snapshot, playerFolder string, now time.Time) Snapshot {
	out := s.Clone()
	n := normalizer{now: now, retention: PingRetention, maxPings: MaxPings, playerFolder: playerFolder}
	n.snapshot(&out)
	return out
}

// PlayerView returns a normalized copy of s restricted to what a player may
// see, whatever the user flag of s says.
func PlayerView(s Snapshot, playerFolder string, now time.Time) Snapshot {
	s.User.IsGM = false
	return Normalize(s, playerFolder, now)
}

// restrict removes GM-only data from a normalized snapshot in place.
func restrict(s *Snapshot, playerFolder string) {
	lib := &s.Tokens
	visible := make([]Folder, 0, len(lib.Folders))
	for _, f := range lib.Folders {
		if IsPlayerFolder(f, playerFolder) {
			visible = append(visible, f)
		}
	}
	items := make([]Token, 0, len(lib.Items))
	for _, t := range lib.Items {
		if IsPlayerVisibleToken(t, visible, playerFolder) {
			items = append(items, t)
		}
	}
	lib.Folders, lib.Items = visible, items

	b := &s.BoardState
	for scene, list := range b.Placements {
		kept := make([]Placement, 0, len(list))
		for _, p := range list {
			if !p.Hidden {
				kept = append(kept, p)
			}
		}
		b.Placements[scene] = kept
	}
	for scene, list := range b.Templates {
		kept := make([]Template, 0, len(list))
		for _, t := range list {
			if !t.Hidden {
				kept = append(kept, t)
			}
		}
		b.Templates[scene] = kept
	}
	for scene, st := range b.SceneState {
		st.Combat = normalizeCombat(st.Combat, b.Placements[scene])
		b.SceneState[scene] = st
	}
}
