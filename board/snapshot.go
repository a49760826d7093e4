// Package board owns the canonical tabletop snapshot shared by every client of
// a session: scene and token libraries, per-scene placements, overlays,
// combat turn state and transient pings.
//
// The [Store] never rejects input. Persisted snapshots may be partially
// written or produced by older clients, so every field is coerced to a valid
// value instead: lists default to empty, enums to their first value, numbers
// are clamped. Every write re-runs the full normalization, which makes the
// copy handed to subscribers valid by construction.
//
// Non-GM stores additionally strip GM-only data (hidden placements, tokens
// outside the player folder) after every write, so a player subscriber never
// observes it, not even transiently.
package board

// Snapshot is the root value of a tabletop session.
type Snapshot struct {
	Scenes     SceneLibrary `json:"scenes"`
	Tokens     TokenLibrary `json:"tokens"`
	BoardState BoardState   `json:"boardState"`
	Grid       Grid         `json:"grid"`
	User       User         `json:"user"`
}

// Folder groups scenes or tokens in the library sidebar.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

// Scene is a map the GM can activate.
type Scene struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FolderID string `json:"folderId,omitempty"`
	MapURL   string `json:"mapUrl,omitempty"`
}

// SceneLibrary is the scene sidebar.
type SceneLibrary struct {
	Folders []Folder `json:"folders"`
	Items   []Scene  `json:"items"`
}

// Token is a library entry that can be dropped on a scene.
type Token struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FolderID string `json:"folderId,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Size     int    `json:"size"`
}

// TokenLibrary is the token sidebar.
type TokenLibrary struct {
	Folders []Folder `json:"folders"`
	Items   []Token  `json:"items"`
}

// BoardState is the live table: what is placed where on which scene.
type BoardState struct {
	ActiveSceneID string                 `json:"activeSceneId"`
	Placements    map[string][]Placement `json:"placements"`
	SceneState    map[string]SceneState  `json:"sceneState"`
	Templates     map[string][]Template  `json:"templates"`
	// Overlay mirrors SceneState[ActiveSceneID].Overlay. It is rewritten by
	// every normalization; write the per-scene entry instead.
	Overlay OverlayMask `json:"overlay"`
	Pings   []Ping      `json:"pings"`
}

// SceneState holds the per-scene board data that is not a placement.
type SceneState struct {
	Overlay OverlayMask `json:"overlay"`
	Combat  CombatState `json:"combat"`
}

// OverlayMask is the fog of war drawn over a scene.
type OverlayMask struct {
	Visible  bool      `json:"visible"`
	Polygons []Polygon `json:"polygons"`
}

// Polygon is a closed region in grid coordinates. Normalized polygons have
// at least three points.
type Polygon struct {
	Points []Point `json:"points"`
}

// Point is a grid cell coordinate.
type Point struct {
	Column int `json:"column"`
	Row    int `json:"row"`
}

// Team is the side of a placement in combat.
type Team string

const (
	TeamEnemy Team = "enemy"
	TeamAlly  Team = "ally"
)

// Placement is one token instance on one scene.
type Placement struct {
	ID         string      `json:"id"`
	TokenID    string      `json:"tokenId,omitempty"`
	Name       string      `json:"name,omitempty"`
	Column     int         `json:"column"`
	Row        int         `json:"row"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	HP         HP          `json:"hp"`
	Conditions []Condition `json:"conditions"`
	CombatTeam Team        `json:"combatTeam"`
	Hidden     bool        `json:"hidden"`
}

// HP keeps hit points as strings so that a blank field stays blank. Both
// values are either "" or a decimal number.
type HP struct {
	Current string `json:"current"`
	Max     string `json:"max"`
}

// DurationType says how a condition expires.
type DurationType string

const (
	DurationIndefinite DurationType = "indefinite"
	DurationRounds     DurationType = "rounds"
	DurationTurns      DurationType = "turns"
)

// Condition is a status effect on a placement. Two conditions with the same
// name, duration type and target are the same condition.
type Condition struct {
	Name           string       `json:"name"`
	DurationType   DurationType `json:"durationType"`
	Duration       int          `json:"duration,omitempty"`
	TargetTokenKey string       `json:"targetTokenKey,omitempty"`
}

// PingType distinguishes a plain ping from a camera focus request.
type PingType string

const (
	PingPlain PingType = "ping"
	PingFocus PingType = "focus"
)

// Ping is an ephemeral marker. X and Y are relative to the map size.
type Ping struct {
	ID        string   `json:"id"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Type      PingType `json:"type"`
	CreatedAt int64    `json:"createdAt"`
	AuthorID  string   `json:"authorId,omitempty"`
	SceneID   string   `json:"sceneId,omitempty"`
}

// TemplateShape is the footprint of an area template.
type TemplateShape string

const (
	ShapeCircle TemplateShape = "circle"
	ShapeSquare TemplateShape = "square"
	ShapeCone   TemplateShape = "cone"
	ShapeLine   TemplateShape = "line"
)

// Template is an area-of-effect marker drawn on a scene.
type Template struct {
	ID     string        `json:"id"`
	Shape  TemplateShape `json:"shape"`
	Column int           `json:"column"`
	Row    int           `json:"row"`
	Size   int           `json:"size"`
	Color  string        `json:"color"`
	Hidden bool          `json:"hidden"`
}

// CombatState is the initiative tracker of one scene. Order lists
// placement ids of that scene.
type CombatState struct {
	Active    bool     `json:"active"`
	Round     int      `json:"round"`
	Order     []string `json:"order"`
	TurnIndex int      `json:"turnIndex"`
}

// Grid is the map grid configuration.
type Grid struct {
	Size    int  `json:"size"`
	Locked  bool `json:"locked"`
	Visible bool `json:"visible"`
}

// User is the local user of the session.
type User struct {
	IsGM bool   `json:"isGM"`
	Name string `json:"name"`
}
