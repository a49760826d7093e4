package board

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func newTestStore(opts ...Option) *Store {
	return NewStore(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

const messySnapshot = `{
  "scenes": {"folders": [], "items": [{"id": "scene-1", "name": "Crypt"}, {"id": "scene-2", "name": "Road"}, {"name": "no id"}]},
  "tokens": {
    "folders": [{"id": "f-players", "name": " Players "}, {"id": "f-gm", "name": "Monsters"}],
    "items": [
      {"id": "t-hero", "name": "Hero", "folderId": "f-players"},
      {"id": "t-orc", "name": "Orc", "folderId": "f-gm"},
      {"id": "t-loose", "name": "Loose"}
    ]
  },
  "boardState": {
    "activeSceneId": "scene-1",
    "placements": {
      "scene-1": [
        {"id": "p1", "tokenId": "t-hero", "name": "Orc", "hp": {"current": "40", "max": "50"}, "col": -3, "y": 2.9, "w": 0, "team": "ALLY",
         "conditions": ["Prone", {"name": "Prone"}, {"name": "Poisoned", "durationType": "rounds", "duration": 3}, {"name": " "}]},
        {"id": "p2", "tokenId": "t-orc", "isHidden": true, "hitPoints": 12},
        {"id": "p2", "name": "duplicate"},
        {"name": "no id"}
      ],
      "scene-2": [{"id": "p3", "tokenId": "t-orc", "name": "Orc", "overlays": {"hitPoints": {"current": "7"}}, "flags": {"hidden": true}}]
    },
    "sceneState": {
      "scene-1": {
        "overlay": {"visible": true, "polygons": [
          {"points": [{"column": 0, "row": 0}, {"column": 4, "row": 0}, {"column": 4, "row": 4}]},
          {"points": [{"column": 1, "row": 1}, {"column": 2, "row": 2}]}
        ]},
        "combat": {"active": true, "round": 0, "order": ["p2", "p1", "p1", "ghost"], "turnIndex": 9}
      }
    },
    "templates": {"scene-1": [{"id": "tpl", "shape": "CONE", "size": 0}, {"id": "secret", "hidden": true}]},
    "overlay": {"visible": false, "polygons": []},
    "pings": [{"id": "a", "x": 1.7, "y": 0.123456, "createdAt": 1699999995000}]
  },
  "grid": {"size": 0},
  "user": {"isGM": true, "name": "gm"}
}`

func TestInitialize_Idempotent(t *testing.T) {
	s := newTestStore()
	s.Load([]byte(messySnapshot))
	first := s.State()

	for i := 0; i < 3; i++ {
		s.Initialize(s.State())
		if got := s.State(); !reflect.DeepEqual(got, first) {
			t.Fatalf("pass %d: state changed:\nfirst %+v\ngot   %+v", i, first, got)
		}
	}

	data, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	s.Load(data)
	if got := s.State(); !reflect.DeepEqual(got, first) {
		t.Fatalf("json round trip changed state:\nfirst %+v\ngot   %+v", first, got)
	}
}

func TestNormalize_MatchesInitialize(t *testing.T) {
	for _, gm := range []bool{true, false} {
		snap := Decode([]byte(messySnapshot))
		snap.User.IsGM = gm
		want := Normalize(snap, DefaultPlayerFolder, fixedNow)

		s := newTestStore()
		s.Initialize(snap)
		if got := s.State(); !reflect.DeepEqual(got, want) {
			t.Fatalf("gm=%v:\nstore     %+v\nnormalize %+v", gm, got, want)
		}
		s.Initialize(want)
		if got := s.State(); !reflect.DeepEqual(got, want) {
			t.Fatalf("gm=%v: normalized snapshot changed on initialize", gm)
		}
	}
}

func TestInitialize_Coercion(t *testing.T) {
	s := newTestStore()
	s.Load([]byte(messySnapshot))
	st := s.State()

	p1 := st.BoardState.Placements["scene-1"]
	if len(p1) != 2 {
		t.Fatalf("scene-1 placements: got %d, want 2", len(p1))
	}
	hero := p1[0]
	if hero.Column != 0 || hero.Row != 2 || hero.Width != 1 || hero.Height != 1 {
		t.Errorf("hero geometry: %+v", hero)
	}
	if hero.CombatTeam != TeamAlly {
		t.Errorf("hero team: %q", hero.CombatTeam)
	}
	wantConds := []Condition{
		{Name: "Prone", DurationType: DurationIndefinite},
		{Name: "Poisoned", DurationType: DurationRounds, Duration: 3},
	}
	if !reflect.DeepEqual(hero.Conditions, wantConds) {
		t.Errorf("conditions: got %+v, want %+v", hero.Conditions, wantConds)
	}
	if p1[1].ID != "p2" || !p1[1].Hidden || p1[1].HP != (HP{Current: "12", Max: "12"}) {
		t.Errorf("p2: %+v", p1[1])
	}
	if p1[1].CombatTeam != TeamEnemy {
		t.Errorf("p2 team: %q", p1[1].CombatTeam)
	}

	p3 := st.BoardState.Placements["scene-2"][0]
	if !p3.Hidden || p3.HP != (HP{Current: "7"}) {
		t.Errorf("p3: %+v", p3)
	}

	combat := st.BoardState.SceneState["scene-1"].Combat
	if !reflect.DeepEqual(combat.Order, []string{"p2", "p1"}) || combat.Round != 1 || combat.TurnIndex != 1 {
		t.Errorf("combat: %+v", combat)
	}

	tpl := st.BoardState.Templates["scene-1"]
	if tpl[0].Shape != ShapeCone || tpl[0].Size != 1 || tpl[0].Color != DefaultTemplateColor {
		t.Errorf("template: %+v", tpl[0])
	}

	if st.Grid.Size != DefaultGridSize || !st.Grid.Visible {
		t.Errorf("grid: %+v", st.Grid)
	}
	if len(st.Scenes.Items) != 2 {
		t.Errorf("scenes: %+v", st.Scenes.Items)
	}
}

func TestHPCoercion(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want HP
	}{
		{"both", `{"current": "40", "max": "50"}`, HP{Current: "40", Max: "50"}},
		{"numbers", `{"current": 3.5, "max": 1e3}`, HP{Current: "3.5", Max: "1000"}},
		{"max only", `{"max": " 20 "}`, HP{Current: "20", Max: "20"}},
		{"current only", `{"current": "9"}`, HP{Current: "9"}},
		{"non numeric", `{"current": "lots", "max": "50"}`, HP{Current: "50", Max: "50"}},
		{"garbage", `{"current": "abc", "max": true}`, HP{}},
		{"nan string", `{"current": "NaN"}`, HP{}},
		{"bare scalar", `17`, HP{Current: "17", Max: "17"}},
		{"empty", `{}`, HP{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := `{"boardState": {"placements": {"s": [{"id": "p", "hp": ` + tc.raw + `}]}}, "user": {"isGM": true}}`
			s := newTestStore()
			s.Load([]byte(raw))
			got := s.State().BoardState.Placements["s"][0].HP
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

// A corrupt hp value is indistinguishable from an empty one after loading.
func TestHPCoercion_CorruptLooksEmpty(t *testing.T) {
	corrupt := NormalizeHP(HP{Current: "x", Max: "y"})
	empty := NormalizeHP(HP{})
	if corrupt != empty {
		t.Fatalf("corrupt %+v, empty %+v", corrupt, empty)
	}
}

func TestInitialize_NoCrossSceneLeak(t *testing.T) {
	snap := Snapshot{
		User: User{IsGM: true},
		BoardState: BoardState{Placements: map[string][]Placement{
			"scene-1": {{ID: "p1", Name: "Goblin", HP: HP{Current: "40", Max: "50"}}},
			"scene-2": {{ID: "p9", Name: "Goblin", HP: HP{Max: "8"}}},
		}},
	}
	s := newTestStore()
	s.Initialize(snap)
	st := s.State()
	if hp := st.BoardState.Placements["scene-1"][0].HP; hp != (HP{Current: "40", Max: "50"}) {
		t.Fatalf("scene-1 hp: %+v", hp)
	}
	if hp := st.BoardState.Placements["scene-2"][0].HP; hp != (HP{Current: "8", Max: "8"}) {
		t.Fatalf("scene-2 hp: %+v", hp)
	}

	s.Update(func(snap *Snapshot) {
		snap.BoardState.Placements["scene-1"][0].HP.Current = "1"
	})
	if hp := s.State().BoardState.Placements["scene-2"][0].HP; hp.Current != "8" {
		t.Fatalf("scene-2 changed after scene-1 edit: %+v", hp)
	}
}

func TestPlayerView_HiddenPlacement(t *testing.T) {
	gm := newTestStore()
	gm.Load([]byte(messySnapshot))

	var raw map[string]any
	if err := json.Unmarshal([]byte(messySnapshot), &raw); err != nil {
		t.Fatal(err)
	}
	raw["user"] = map[string]any{"isGM": false, "name": "alice"}
	player := newTestStore()
	player.Initialize(FromMap(raw))

	has := func(st Snapshot, scene, id string) bool {
		for _, p := range st.BoardState.Placements[scene] {
			if p.ID == id {
				return true
			}
		}
		return false
	}
	if !has(gm.State(), "scene-1", "p2") {
		t.Fatal("gm should see hidden placement p2")
	}
	pst := player.State()
	if has(pst, "scene-1", "p2") || has(pst, "scene-2", "p3") {
		t.Fatal("player sees hidden placement")
	}
	if !has(pst, "scene-1", "p1") {
		t.Fatal("player should see p1")
	}
	if len(pst.Tokens.Items) != 1 || pst.Tokens.Items[0].ID != "t-hero" {
		t.Fatalf("player tokens: %+v", pst.Tokens.Items)
	}
	if len(pst.Tokens.Folders) != 1 || pst.Tokens.Folders[0].ID != "f-players" {
		t.Fatalf("player folders: %+v", pst.Tokens.Folders)
	}
	if order := pst.BoardState.SceneState["scene-1"].Combat.Order; !reflect.DeepEqual(order, []string{"p1"}) {
		t.Fatalf("combat order leaks hidden placement: %v", order)
	}
	for _, tpl := range pst.BoardState.Templates["scene-1"] {
		if tpl.Hidden {
			t.Fatalf("player sees hidden template %q", tpl.ID)
		}
	}
}

func TestPlayerView_AfterUpdate(t *testing.T) {
	s := newTestStore()
	s.Initialize(Snapshot{User: User{Name: "bob"}})

	var seen []Snapshot
	s.Subscribe(func(st Snapshot) { seen = append(seen, st) })
	s.Update(func(st *Snapshot) {
		st.UpsertPlacement("s1", Placement{ID: "secret", Hidden: true})
		st.UpsertPlacement("s1", Placement{ID: "open"})
	})
	if len(seen) != 1 {
		t.Fatalf("notifications: %d", len(seen))
	}
	for _, p := range seen[0].BoardState.Placements["s1"] {
		if p.Hidden {
			t.Fatal("hidden placement reached player listener")
		}
	}
	if got := len(s.State().BoardState.Placements["s1"]); got != 1 {
		t.Fatalf("player store placements: %d", got)
	}
}

func TestPlayerView_CustomFolder(t *testing.T) {
	snap := Snapshot{Tokens: TokenLibrary{
		Folders: []Folder{{ID: "a", Name: "Party"}, {ID: "b", Name: "Players"}},
		Items:   []Token{{ID: "x", FolderID: "a"}, {ID: "y", FolderID: "b"}},
	}}
	v := PlayerView(snap, "Party", fixedNow)
	if len(v.Tokens.Items) != 1 || v.Tokens.Items[0].ID != "x" {
		t.Fatalf("tokens: %+v", v.Tokens.Items)
	}
	if len(snap.Tokens.Items) != 2 {
		t.Fatal("PlayerView modified its input")
	}
}

func TestOverlaySync(t *testing.T) {
	s := newTestStore()
	s.Load([]byte(messySnapshot))
	st := s.State()
	if !st.BoardState.Overlay.Visible || len(st.BoardState.Overlay.Polygons) != 1 {
		t.Fatalf("overlay should mirror scene-1: %+v", st.BoardState.Overlay)
	}

	s.Update(func(st *Snapshot) { st.SetActiveScene("scene-2") })
	o := s.State().BoardState.Overlay
	if o.Visible || len(o.Polygons) != 0 || o.Polygons == nil {
		t.Fatalf("overlay for scene without state: %+v", o)
	}

	s.Update(func(st *Snapshot) {
		st.SetActiveOverlay(OverlayMask{Visible: true, Polygons: []Polygon{{Points: []Point{{0, 0}, {1, 0}, {1, 1}}}}})
	})
	if o := s.State().BoardState.Overlay; !o.Visible || len(o.Polygons) != 1 {
		t.Fatalf("overlay after SetActiveOverlay: %+v", o)
	}

	// Writes to the mirror are not authoritative.
	s.Update(func(st *Snapshot) { st.BoardState.Overlay.Visible = false })
	if o := s.State().BoardState.Overlay; !o.Visible {
		t.Fatal("mirror write should be overwritten by scene state")
	}
}

func TestState_DeepCopy(t *testing.T) {
	s := newTestStore()
	s.Load([]byte(messySnapshot))
	st := s.State()
	st.BoardState.Placements["scene-1"][0].Conditions[0].Name = "mutated"
	st.BoardState.SceneState["scene-1"].Overlay.Polygons[0].Points[0].Column = 99
	st.BoardState.Pings = nil
	delete(st.BoardState.Placements, "scene-2")

	again := s.State()
	if again.BoardState.Placements["scene-1"][0].Conditions[0].Name != "Prone" {
		t.Fatal("condition aliased")
	}
	if again.BoardState.SceneState["scene-1"].Overlay.Polygons[0].Points[0].Column != 0 {
		t.Fatal("overlay aliased")
	}
	if _, ok := again.BoardState.Placements["scene-2"]; !ok {
		t.Fatal("placements map aliased")
	}
}

func TestSubscribe_CopiesAndUnsubscribe(t *testing.T) {
	s := newTestStore()
	var a, b []Snapshot
	unsubA := s.Subscribe(func(st Snapshot) {
		st.User.Name = "changed by a"
		a = append(a, st)
	})
	s.Subscribe(func(st Snapshot) { b = append(b, st) })

	s.Update(func(st *Snapshot) { st.User.Name = "gm" })
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("notifications a=%d b=%d", len(a), len(b))
	}
	if b[0].User.Name != "gm" {
		t.Fatalf("listener copies are shared: %q", b[0].User.Name)
	}

	unsubA()
	unsubA()
	s.Update(nil)
	if len(a) != 1 || len(b) != 2 {
		t.Fatalf("after unsubscribe a=%d b=%d", len(a), len(b))
	}
}

func TestSubscribe_ReentrantUpdate(t *testing.T) {
	s := newTestStore()
	var names []string
	s.Subscribe(func(st Snapshot) {
		names = append(names, st.User.Name)
		if st.User.Name == "first" {
			s.Update(func(st *Snapshot) { st.User.Name = "second" })
		}
	})
	s.Update(func(st *Snapshot) { st.User.Name = "first" })
	if !reflect.DeepEqual(names, []string{"first", "second"}) {
		t.Fatalf("got %v", names)
	}
	if s.Revision() != 2 {
		t.Fatalf("revision: %d", s.Revision())
	}
}

func TestUpdate_PanicRestoresState(t *testing.T) {
	s := newTestStore()
	s.Update(func(st *Snapshot) { st.User.Name = "before" })
	calls := 0
	s.Subscribe(func(Snapshot) { calls++ })
	rev := s.Revision()

	s.Update(func(st *Snapshot) {
		st.User.Name = "during"
		var m map[string]int
		m["boom"] = 1
	})
	if s.State().User.Name != "before" {
		t.Fatalf("state not restored: %q", s.State().User.Name)
	}
	if calls != 0 || s.Revision() != rev {
		t.Fatalf("panicking update notified (calls=%d) or bumped revision", calls)
	}
}

func TestUpdate_Concurrent(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	var revs []int
	s.Subscribe(func(st Snapshot) {
		mu.Lock()
		revs = append(revs, len(st.BoardState.Placements["s"]))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update(func(st *Snapshot) {
				st.UpsertPlacement("s", Placement{ID: string(rune('a' + i))})
			})
		}(i)
	}
	wg.Wait()

	if got := len(s.State().BoardState.Placements["s"]); got != 20 {
		t.Fatalf("placements: %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(revs) != 20 {
		t.Fatalf("notifications: %d", len(revs))
	}
	for i := 1; i < len(revs); i++ {
		if revs[i] <= revs[i-1] {
			t.Fatalf("notifications out of order: %v", revs)
		}
	}
}

func TestRemovePlacement(t *testing.T) {
	s := newTestStore()
	s.Update(func(st *Snapshot) {
		st.UpsertPlacement("s", Placement{ID: "a"})
		st.UpsertPlacement("s", Placement{ID: "b"})
		st.UpsertPlacement("s", Placement{ID: "a", Name: "renamed"})
	})
	var removed bool
	s.Update(func(st *Snapshot) { removed = st.RemovePlacement("s", "b") })
	list := s.State().BoardState.Placements["s"]
	if !removed || len(list) != 1 || list[0].Name != "renamed" {
		t.Fatalf("removed=%v list=%+v", removed, list)
	}
}
