package levels

import (
	"encoding/json"
	"fmt"
)

// TileDef describes one tile type.
type TileDef struct {
	Char            byte
	Walkable        bool
	Color           string
	Name            string
	WalkingSound    string
	NearbySound     string
	AnimationColors []string
	BlocksSight     bool
	BlocksSound     bool
	IsDoor          bool
	IsSpawn         bool
	RenderChar      string
}

// DefaultTile is used for characters with no definition.
var DefaultTile = TileDef{Char: '?', Walkable: false, Color: "magenta"}

// builtinTiles is the tile table used when a level ships no tiles.json.
var builtinTiles = map[byte]TileDef{
	'#': {Char: '#', Walkable: false, Color: "white", Name: "wall"},
	'O': {Char: 'O', Walkable: false, Color: "white", Name: "pillar"},
	'+': {Char: '+', Walkable: true, Color: "yellow", Name: "door"},
	'.': {Char: '.', Walkable: true, Color: "white", Name: "floor"},
	',': {Char: ',', Walkable: true, Color: "green", Name: "grass"},
	':': {Char: ':', Walkable: true, Color: "white", Name: "gravel"},
	'_': {Char: '_', Walkable: true, Color: "yellow", Name: "sand"},
	'~': {Char: '~', Walkable: false, Color: "blue", Name: "water"},
	'^': {Char: '^', Walkable: false, Color: "red", Name: "lava"},
	'=': {Char: '=', Walkable: true, Color: "yellow", Name: "bridge"},
	'*': {Char: '*', Walkable: false, Color: "yellow", Name: "crystal"},
	'%': {Char: '%', Walkable: false, Color: "green", Name: "bush"},
	' ': {Char: ' ', Walkable: false, Color: "black", Name: "void"},
}

// BuiltinTiles returns a copy of the built-in tile table.
func BuiltinTiles() map[byte]TileDef {
	out := make(map[byte]TileDef, len(builtinTiles))
	for k, v := range builtinTiles {
		out[k] = v
	}
	return out
}

type jsonTile struct {
	Walkable        bool     `json:"walkable"`
	Color           string   `json:"color"`
	Name            string   `json:"name"`
	WalkingSound    string   `json:"walking_sound"`
	NearbySound     string   `json:"nearby_sound"`
	AnimationColors []string `json:"animation_colors"`
	BlocksSight     *bool    `json:"blocks_sight"`
	BlocksSound     *bool    `json:"blocks_sound"`
	IsDoor          bool     `json:"is_door"`
	IsSpawn         bool     `json:"is_spawn"`
	RenderChar      string   `json:"render_char"`
}

type jsonTilesFile struct {
	Tiles   map[string]jsonTile `json:"tiles"`
	Default *struct {
		Symbol   string `json:"symbol"`
		Walkable bool   `json:"walkable"`
		Color    string `json:"color"`
	} `json:"default"`
}

// ParseTiles parses a tiles.json document. When blocks_sight or
// blocks_sound are omitted they default to the negation of walkable.
func ParseTiles(data []byte) (map[byte]TileDef, TileDef, error) {
	var f jsonTilesFile
	err := json.Unmarshal(data, &f)
	if err != nil {
		return nil, TileDef{}, err
	}

	tiles := make(map[byte]TileDef, len(f.Tiles))
	for char, jt := range f.Tiles {
		if len(char) != 1 {
			return nil, TileDef{}, fmt.Errorf("tile key must be a single byte, got '%s'", char)
		}

		td := TileDef{
			Char:            char[0],
			Walkable:        jt.Walkable,
			Color:           jt.Color,
			Name:            jt.Name,
			WalkingSound:    jt.WalkingSound,
			NearbySound:     jt.NearbySound,
			AnimationColors: jt.AnimationColors,
			BlocksSight:     !jt.Walkable,
			BlocksSound:     !jt.Walkable,
			IsDoor:          jt.IsDoor,
			IsSpawn:         jt.IsSpawn,
			RenderChar:      jt.RenderChar,
		}
		if jt.BlocksSight != nil {
			td.BlocksSight = *jt.BlocksSight
		}
		if jt.BlocksSound != nil {
			td.BlocksSound = *jt.BlocksSound
		}
		tiles[char[0]] = td
	}

	def := DefaultTile
	if f.Default != nil {
		def = TileDef{
			Walkable: f.Default.Walkable,
			Color:    f.Default.Color,
		}
		if f.Default.Symbol != "" {
			def.Char = f.Default.Symbol[0]
		}
	}

	return tiles, def, nil
}
