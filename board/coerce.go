package board

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// extractor reads one candidate location of a field from a raw object.
type extractor func(m map[string]any) (any, bool)

// at returns an extractor that walks nested objects along path.
func at(path ...string) extractor {
	return func(m map[string]any) (any, bool) {
		var cur any = m
		for _, p := range path {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = obj[p]
			if !ok {
				return nil, false
			}
		}
		return cur, cur != nil
	}
}

// Alias lists, highest priority first.
var (
	hpFields        = []extractor{at("hp"), at("hitPoints"), at("overlays", "hitPoints")}
	hiddenFields    = []extractor{at("hidden"), at("isHidden"), at("flags", "hidden")}
	columnFields    = []extractor{at("column"), at("col"), at("x")}
	rowFields       = []extractor{at("row"), at("y")}
	widthFields     = []extractor{at("width"), at("w")}
	heightFields    = []extractor{at("height"), at("h")}
	teamFields      = []extractor{at("combatTeam"), at("team")}
	createdAtFields = []extractor{at("createdAt"), at("created_at"), at("timestamp")}
	currentFields   = []extractor{at("current"), at("value")}
	maxFields       = []extractor{at("max"), at("maximum")}
	tokenIDFields   = []extractor{at("tokenId"), at("token_id")}
	folderIDFields  = []extractor{at("folderId"), at("folder_id")}
	parentIDFields  = []extractor{at("parentId"), at("parent_id")}
	durTypeFields   = []extractor{at("durationType"), at("duration_type")}
	targetFields    = []extractor{at("targetTokenKey"), at("target")}
	authorFields    = []extractor{at("authorId"), at("author_id")}
	sceneIDFields   = []extractor{at("sceneId"), at("scene_id")}
	shapeFields     = []extractor{at("shape"), at("type")}
	sizeFields      = []extractor{at("size"), at("radius")}
	isGMFields      = []extractor{at("isGM"), at("is_gm")}
	activeFields    = []extractor{at("activeSceneId"), at("active_scene_id")}
	turnFields      = []extractor{at("turnIndex"), at("turn_index")}
)

func first(m map[string]any, fields []extractor) (any, bool) {
	for _, f := range fields {
		if v, ok := f(m); ok {
			return v, true
		}
	}
	return nil, false
}

func str(m map[string]any, fields ...extractor) string {
	v, ok := first(m, fields)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return ""
}

func num(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// integer returns the first numeric alias truncated towards zero, or def.
func integer(m map[string]any, def int, fields []extractor) int {
	v, ok := first(m, fields)
	if !ok {
		return def
	}
	f, ok := num(v)
	if !ok {
		return def
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(f)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	case float64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	}
	return false
}

func flag(m map[string]any, fields ...extractor) bool {
	v, ok := first(m, fields)
	return ok && truthy(v)
}

// anyFlag is true when any alias holds a true value.
func anyFlag(m map[string]any, fields []extractor) bool {
	for _, f := range fields {
		if v, ok := f(m); ok && truthy(v) {
			return true
		}
	}
	return false
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

// Decode parses persisted JSON into a snapshot. Malformed input yields an
// empty snapshot; unknown shapes degrade to defaults. The result is not yet
// normalized.
func Decode(data []byte) Snapshot {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		raw = nil
	}
	return FromMap(raw)
}

// FromMap converts a generic JSON object into a snapshot, resolving field
// aliases in priority order.
func FromMap(raw map[string]any) Snapshot {
	var s Snapshot
	scenes := object(raw["scenes"])
	for _, f := range list(scenes["folders"]) {
		s.Scenes.Folders = append(s.Scenes.Folders, folderFrom(object(f)))
	}
	for _, it := range list(scenes["items"]) {
		m := object(it)
		s.Scenes.Items = append(s.Scenes.Items, Scene{
			ID:       str(m, at("id")),
			Name:     str(m, at("name")),
			FolderID: str(m, folderIDFields...),
			MapURL:   str(m, at("mapUrl"), at("map_url"), at("image")),
		})
	}

	tokens := object(raw["tokens"])
	for _, f := range list(tokens["folders"]) {
		s.Tokens.Folders = append(s.Tokens.Folders, folderFrom(object(f)))
	}
	for _, it := range list(tokens["items"]) {
		m := object(it)
		s.Tokens.Items = append(s.Tokens.Items, Token{
			ID:       str(m, at("id")),
			Name:     str(m, at("name")),
			FolderID: str(m, folderIDFields...),
			ImageURL: str(m, at("imageUrl"), at("image_url"), at("image")),
			Size:     integer(m, 1, sizeFields),
		})
	}

	s.BoardState = boardStateFrom(object(raw["boardState"]))

	grid := object(raw["grid"])
	s.Grid = Grid{
		Size:    integer(grid, 0, []extractor{at("size")}),
		Locked:  flag(grid, at("locked")),
		Visible: true,
	}
	if v, ok := grid["visible"]; ok {
		s.Grid.Visible = truthy(v)
	}

	user := object(raw["user"])
	s.User = User{
		IsGM: flag(user, isGMFields...),
		Name: str(user, at("name")),
	}
	return s
}

func folderFrom(m map[string]any) Folder {
	return Folder{
		ID:       str(m, at("id")),
		Name:     str(m, at("name")),
		ParentID: str(m, parentIDFields...),
	}
}

func boardStateFrom(m map[string]any) BoardState {
	b := BoardState{
		ActiveSceneID: str(m, activeFields...),
		Placements:    map[string][]Placement{},
		SceneState:    map[string]SceneState{},
		Templates:     map[string][]Template{},
	}
	for scene, v := range object(m["placements"]) {
		var out []Placement
		for _, p := range list(v) {
			if pm := object(p); pm != nil {
				out = append(out, placementFrom(pm))
			}
		}
		b.Placements[scene] = out
	}
	for scene, v := range object(m["sceneState"]) {
		sm := object(v)
		b.SceneState[scene] = SceneState{
			Overlay: overlayFrom(object(sm["overlay"])),
			Combat:  combatFrom(object(sm["combat"])),
		}
	}
	for scene, v := range object(m["templates"]) {
		var out []Template
		for _, t := range list(v) {
			if tm := object(t); tm != nil {
				out = append(out, templateFrom(tm))
			}
		}
		b.Templates[scene] = out
	}
	b.Overlay = overlayFrom(object(m["overlay"]))
	for _, p := range list(m["pings"]) {
		if pm := object(p); pm != nil {
			b.Pings = append(b.Pings, pingFrom(pm))
		}
	}
	return b
}

func placementFrom(m map[string]any) Placement {
	p := Placement{
		ID:         str(m, at("id")),
		TokenID:    str(m, tokenIDFields...),
		Name:       str(m, at("name")),
		Column:     integer(m, 0, columnFields),
		Row:        integer(m, 0, rowFields),
		Width:      integer(m, 1, widthFields),
		Height:     integer(m, 1, heightFields),
		CombatTeam: Team(str(m, teamFields...)),
		Hidden:     anyFlag(m, hiddenFields),
	}
	if v, ok := first(m, hpFields); ok {
		p.HP = hpFrom(v)
	}
	for _, c := range list(m["conditions"]) {
		switch x := c.(type) {
		case string:
			p.Conditions = append(p.Conditions, Condition{Name: x})
		case map[string]any:
			p.Conditions = append(p.Conditions, Condition{
				Name:           str(x, at("name")),
				DurationType:   DurationType(str(x, durTypeFields...)),
				Duration:       integer(x, 0, []extractor{at("duration")}),
				TargetTokenKey: str(x, targetFields...),
			})
		}
	}
	return p
}

// hpFrom accepts {current, max} objects and bare scalars. A bare scalar is
// taken as the maximum.
func hpFrom(v any) HP {
	if m, ok := v.(map[string]any); ok {
		return HP{
			Current: hpValue(m, currentFields),
			Max:     hpValue(m, maxFields),
		}
	}
	return HP{Max: hpScalar(v)}
}

func hpValue(m map[string]any, fields []extractor) string {
	v, ok := first(m, fields)
	if !ok {
		return ""
	}
	return hpScalar(v)
}

func hpScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	case float64:
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	return ""
}

func overlayFrom(m map[string]any) OverlayMask {
	o := OverlayMask{Visible: flag(m, at("visible"))}
	for _, poly := range list(m["polygons"]) {
		var pts []any
		if pm := object(poly); pm != nil {
			pts = list(pm["points"])
		} else {
			pts = list(poly)
		}
		var out Polygon
		for _, pt := range pts {
			if ptm := object(pt); ptm != nil {
				out.Points = append(out.Points, Point{
					Column: integer(ptm, 0, columnFields),
					Row:    integer(ptm, 0, rowFields),
				})
			}
		}
		o.Polygons = append(o.Polygons, out)
	}
	return o
}

func combatFrom(m map[string]any) CombatState {
	c := CombatState{
		Active:    flag(m, at("active")),
		Round:     integer(m, 0, []extractor{at("round")}),
		TurnIndex: integer(m, 0, turnFields),
	}
	for _, id := range list(m["order"]) {
		switch x := id.(type) {
		case string:
			c.Order = append(c.Order, x)
		case map[string]any:
			c.Order = append(c.Order, str(x, at("id"), at("placementId")))
		}
	}
	return c
}

func templateFrom(m map[string]any) Template {
	return Template{
		ID:     str(m, at("id")),
		Shape:  TemplateShape(str(m, shapeFields...)),
		Column: integer(m, 0, columnFields),
		Row:    integer(m, 0, rowFields),
		Size:   integer(m, 1, sizeFields),
		Color:  str(m, at("color")),
		Hidden: anyFlag(m, hiddenFields),
	}
}

func pingFrom(m map[string]any) Ping {
	p := Ping{
		ID:       str(m, at("id")),
		Type:     PingType(str(m, at("type"))),
		AuthorID: str(m, authorFields...),
		SceneID:  str(m, sceneIDFields...),
	}
	if v, ok := m["x"]; ok {
		p.X, _ = num(v)
	}
	if v, ok := m["y"]; ok {
		p.Y, _ = num(v)
	}
	if v, ok := first(m, createdAtFields); ok {
		if f, ok := num(v); ok {
			p.CreatedAt = int64(f)
		}
	}
	return p
}
