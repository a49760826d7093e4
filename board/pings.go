package board

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/tablesync/idgen"
)

const (
	// PingRetention is how long a ping stays on the board.
	PingRetention = 10 * time.Second
	// MaxPings bounds the ping list; the oldest pings are evicted first.
	MaxPings = 8
)

// NewPingID generates ping identifiers.
var NewPingID = idgen.Prefixed("png_", idgen.NanoID(12))

// NormalizePings returns the ping list without duplicate ids, without pings
// older than PingRetention, at most MaxPings long and sorted by CreatedAt.
func NormalizePings(pings []Ping, now time.Time) []Ping {
	return normalizePings(pings, now, PingRetention, MaxPings)
}

func normalizePings(in []Ping, now time.Time, retention time.Duration, limit int) []Ping {
	nowMs := now.UnixMilli()
	byID := make(map[string]int, len(in))
	out := make([]Ping, 0, len(in))
	for _, p := range in {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			continue
		}
		p.X = clampUnit(p.X)
		p.Y = clampUnit(p.Y)
		if PingType(strings.ToLower(strings.TrimSpace(string(p.Type)))) == PingFocus {
			p.Type = PingFocus
		} else {
			p.Type = PingPlain
		}
		if p.CreatedAt <= 0 {
			p.CreatedAt = nowMs
		}
		p.AuthorID = strings.TrimSpace(p.AuthorID)
		p.SceneID = strings.TrimSpace(p.SceneID)
		if i, ok := byID[p.ID]; ok {
			if p.CreatedAt >= out[i].CreatedAt {
				out[i] = p
			}
			continue
		}
		byID[p.ID] = len(out)
		out = append(out, p)
	}

	cutoff := nowMs - retention.Milliseconds()
	out = slices.DeleteFunc(out, func(p Ping) bool { return p.CreatedAt < cutoff })
	slices.SortStableFunc(out, func(a, b Ping) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = slices.Clone(out[len(out)-limit:])
	}
	return out
}

// clampUnit clamps v into [0,1] and rounds it to four decimals.
func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return math.Round(v*1e4) / 1e4
}

// AddPing appends a ping at relative map position (x, y) on the active scene.
// The id is generated when p.ID is empty and CreatedAt defaults to now.
func (s *Snapshot) AddPing(p Ping, now time.Time) Ping {
	if p.ID == "" {
		p.ID = NewPingID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = now.UnixMilli()
	}
	if p.SceneID == "" {
		p.SceneID = s.BoardState.ActiveSceneID
	}
	s.BoardState.Pings = append(s.BoardState.Pings, p)
	return p
}
