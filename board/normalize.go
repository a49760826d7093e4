package board

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultGridSize is used when the grid size is missing or not positive.
	DefaultGridSize = 64
	// DefaultTemplateColor is used for templates without a color.
	DefaultTemplateColor = "#ff0000"
	// DefaultPlayerFolder is the token folder shown to players.
	DefaultPlayerFolder = "Players"
)

// normalizer carries the parameters of one normalization pass.
type normalizer struct {
	now          time.Time
	retention    time.Duration
	maxPings     int
	playerFolder string
}

// snapshot normalizes s in place. Collections are always non-nil afterwards
// so a normalized snapshot survives a JSON round trip unchanged.
func (n normalizer) snapshot(s *Snapshot) {
	s.Scenes.Folders = folders(s.Scenes.Folders)
	s.Scenes.Items = scenes(s.Scenes.Items)
	s.Tokens.Folders = folders(s.Tokens.Folders)
	s.Tokens.Items = tokens(s.Tokens.Items)
	s.User.Name = strings.TrimSpace(s.User.Name)
	if s.Grid.Size <= 0 {
		s.Grid.Size = DefaultGridSize
	}
	n.boardState(&s.BoardState)
	if !s.User.IsGM {
		restrict(s, n.playerFolder)
	}
}

func (n normalizer) boardState(b *BoardState) {
	b.ActiveSceneID = strings.TrimSpace(b.ActiveSceneID)

	placements := make(map[string][]Placement, len(b.Placements))
	for scene, list := range b.Placements {
		placements[scene] = normalizePlacements(list)
	}
	b.Placements = placements

	templates := make(map[string][]Template, len(b.Templates))
	for scene, list := range b.Templates {
		templates[scene] = normalizeTemplates(list)
	}
	b.Templates = templates

	states := make(map[string]SceneState, len(b.SceneState))
	for scene, st := range b.SceneState {
		st.Overlay = normalizeOverlay(st.Overlay)
		st.Combat = normalizeCombat(st.Combat, b.Placements[scene])
		states[scene] = st
	}
	b.SceneState = states

	b.Pings = normalizePings(b.Pings, n.now, n.retention, n.maxPings)
	syncOverlay(b)
}

// syncOverlay points the board overlay at the active scene's entry.
func syncOverlay(b *BoardState) {
	if st, ok := b.SceneState[b.ActiveSceneID]; ok && b.ActiveSceneID != "" {
		b.Overlay = st.Overlay.Clone()
		return
	}
	b.Overlay = OverlayMask{Polygons: []Polygon{}}
}

func folders(in []Folder) []Folder {
	out := make([]Folder, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, f := range in {
		f.ID = strings.TrimSpace(f.ID)
		if f.ID == "" || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		f.Name = strings.TrimSpace(f.Name)
		f.ParentID = strings.TrimSpace(f.ParentID)
		out = append(out, f)
	}
	return out
}

func scenes(in []Scene) []Scene {
	out := make([]Scene, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		s.Name = strings.TrimSpace(s.Name)
		s.FolderID = strings.TrimSpace(s.FolderID)
		s.MapURL = strings.TrimSpace(s.MapURL)
		out = append(out, s)
	}
	return out
}

func tokens(in []Token) []Token {
	out := make([]Token, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		t.Name = strings.TrimSpace(t.Name)
		t.FolderID = strings.TrimSpace(t.FolderID)
		t.ImageURL = strings.TrimSpace(t.ImageURL)
		if t.Size < 1 {
			t.Size = 1
		}
		out = append(out, t)
	}
	return out
}

// normalizePlacements drops placements without an id and keeps the first of
// any duplicated id.
func normalizePlacements(in []Placement) []Placement {
	out := make([]Placement, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, normalizePlacement(p))
	}
	return out
}

func normalizePlacement(p Placement) Placement {
	p.TokenID = strings.TrimSpace(p.TokenID)
	p.Name = strings.TrimSpace(p.Name)
	p.Column = max(p.Column, 0)
	p.Row = max(p.Row, 0)
	p.Width = max(p.Width, 1)
	p.Height = max(p.Height, 1)
	p.HP = NormalizeHP(p.HP)
	p.Conditions = normalizeConditions(p.Conditions)
	p.CombatTeam = normalizeTeam(p.CombatTeam)
	return p
}

// NormalizeHP applies the hit point rules: each value is either "" or a
// trimmed decimal number, and an empty current value takes the maximum.
// A lone current value leaves the maximum empty.
func NormalizeHP(hp HP) HP {
	hp.Current = hpNumber(hp.Current)
	hp.Max = hpNumber(hp.Max)
	if hp.Current == "" && hp.Max != "" {
		hp.Current = hp.Max
	}
	return hp
}

func hpNumber(s string) string {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return s
}

type conditionKey struct {
	name   string
	dur    DurationType
	target string
}

func normalizeConditions(in []Condition) []Condition {
	out := make([]Condition, 0, len(in))
	seen := make(map[conditionKey]bool, len(in))
	for _, c := range in {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.TargetTokenKey = strings.TrimSpace(c.TargetTokenKey)
		switch DurationType(strings.ToLower(strings.TrimSpace(string(c.DurationType)))) {
		case DurationRounds:
			c.DurationType = DurationRounds
		case DurationTurns:
			c.DurationType = DurationTurns
		default:
			c.DurationType = DurationIndefinite
		}
		if c.DurationType == DurationIndefinite || c.Duration < 0 {
			c.Duration = 0
		}
		k := conditionKey{c.Name, c.DurationType, c.TargetTokenKey}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out
}

func normalizeTeam(t Team) Team {
	if Team(strings.ToLower(strings.TrimSpace(string(t)))) == TeamAlly {
		return TeamAlly
	}
	return TeamEnemy
}

func normalizeTemplates(in []Template) []Template {
	out := make([]Template, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		switch TemplateShape(strings.ToLower(strings.TrimSpace(string(t.Shape)))) {
		case ShapeSquare:
			t.Shape = ShapeSquare
		case ShapeCone:
			t.Shape = ShapeCone
		case ShapeLine:
			t.Shape = ShapeLine
		default:
			t.Shape = ShapeCircle
		}
		t.Column = max(t.Column, 0)
		t.Row = max(t.Row, 0)
		t.Size = max(t.Size, 1)
		t.Color = strings.TrimSpace(t.Color)
		if t.Color == "" {
			t.Color = DefaultTemplateColor
		}
		out = append(out, t)
	}
	return out
}

// normalizeOverlay drops polygons with fewer than three points.
func normalizeOverlay(o OverlayMask) OverlayMask {
	out := OverlayMask{Visible: o.Visible, Polygons: make([]Polygon, 0, len(o.Polygons))}
	for _, poly := range o.Polygons {
		if len(poly.Points) < 3 {
			continue
		}
		pts := make([]Point, len(poly.Points))
		for i, pt := range poly.Points {
			pts[i] = Point{Column: max(pt.Column, 0), Row: max(pt.Row, 0)}
		}
		out.Polygons = append(out.Polygons, Polygon{Points: pts})
	}
	return out
}

// normalizeCombat keeps order entries that name a placement of the scene.
func normalizeCombat(c CombatState, placements []Placement) CombatState {
	ids := make(map[string]bool, len(placements))
	for _, p := range placements {
		ids[p.ID] = true
	}
	order := make([]string, 0, len(c.Order))
	seen := make(map[string]bool, len(c.Order))
	for _, id := range c.Order {
		id = strings.TrimSpace(id)
		if !ids[id] || seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	c.Order = order
	c.Round = max(c.Round, 0)
	if c.Active && c.Round < 1 {
		c.Round = 1
	}
	switch {
	case len(order) == 0, c.TurnIndex < 0:
		c.TurnIndex = 0
	case c.TurnIndex >= len(order):
		c.TurnIndex = len(order) - 1
	}
	return c
}
