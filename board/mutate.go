package board

// Convenience mutators for use inside Store.Update. They only write data;
// the store normalizes afterwards.

// SetActiveScene switches the active scene. The board overlay follows it on
// the next normalization.
func (s *Snapshot) SetActiveScene(sceneID string) {
	s.BoardState.ActiveSceneID = sceneID
}

// UpsertPlacement replaces the placement with the same id on sceneID, or
// appends it.
func (s *Snapshot) UpsertPlacement(sceneID string, p Placement) {
	if s.BoardState.Placements == nil {
		s.BoardState.Placements = map[string][]Placement{}
	}
	list := s.BoardState.Placements[sceneID]
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = p
			return
		}
	}
	s.BoardState.Placements[sceneID] = append(list, p)
}

// RemovePlacement deletes a placement and reports whether it existed.
func (s *Snapshot) RemovePlacement(sceneID, placementID string) bool {
	list := s.BoardState.Placements[sceneID]
	for i := range list {
		if list[i].ID == placementID {
			s.BoardState.Placements[sceneID] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// SetActiveOverlay writes the overlay of the active scene.
func (s *Snapshot) SetActiveOverlay(o OverlayMask) {
	id := s.BoardState.ActiveSceneID
	if id == "" {
		return
	}
	if s.BoardState.SceneState == nil {
		s.BoardState.SceneState = map[string]SceneState{}
	}
	st := s.BoardState.SceneState[id]
	st.Overlay = o
	s.BoardState.SceneState[id] = st
}
