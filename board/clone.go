package board

import "slices"

// Clone returns a deep copy of the snapshot. Nil and empty collections are
// preserved as they are so that clones compare equal to their source.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Scenes: SceneLibrary{
			Folders: slices.Clone(s.Scenes.Folders),
			Items:   slices.Clone(s.Scenes.Items),
		},
		Tokens: TokenLibrary{
			Folders: slices.Clone(s.Tokens.Folders),
			Items:   slices.Clone(s.Tokens.Items),
		},
		BoardState: s.BoardState.Clone(),
		Grid:       s.Grid,
		User:       s.User,
	}
}

// Clone returns a deep copy of the board state.
func (b BoardState) Clone() BoardState {
	out := BoardState{
		ActiveSceneID: b.ActiveSceneID,
		Overlay:       b.Overlay.Clone(),
		Pings:         slices.Clone(b.Pings),
	}
	if b.Placements != nil {
		out.Placements = make(map[string][]Placement, len(b.Placements))
		for scene, list := range b.Placements {
			out.Placements[scene] = ClonePlacements(list)
		}
	}
	if b.SceneState != nil {
		out.SceneState = make(map[string]SceneState, len(b.SceneState))
		for scene, st := range b.SceneState {
			out.SceneState[scene] = st.Clone()
		}
	}
	if b.Templates != nil {
		out.Templates = make(map[string][]Template, len(b.Templates))
		for scene, list := range b.Templates {
			out.Templates[scene] = slices.Clone(list)
		}
	}
	return out
}

// ClonePlacements returns a deep copy of the provided placement slice.
func ClonePlacements(list []Placement) []Placement {
	if list == nil {
		return nil
	}
	out := make([]Placement, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out
}

// Clone returns a deep copy of the placement.
func (p Placement) Clone() Placement {
	p.Conditions = slices.Clone(p.Conditions)
	return p
}

// Clone returns a deep copy of the scene state.
func (s SceneState) Clone() SceneState {
	return SceneState{
		Overlay: s.Overlay.Clone(),
		Combat: CombatState{
			Active:    s.Combat.Active,
			Round:     s.Combat.Round,
			Order:     slices.Clone(s.Combat.Order),
			TurnIndex: s.Combat.TurnIndex,
		},
	}
}

// Clone returns a deep copy of the overlay mask.
func (o OverlayMask) Clone() OverlayMask {
	out := OverlayMask{Visible: o.Visible}
	if o.Polygons != nil {
		out.Polygons = make([]Polygon, len(o.Polygons))
		for i, poly := range o.Polygons {
			out.Polygons[i] = Polygon{Points: slices.Clone(poly.Points)}
		}
	}
	return out
}
