package levels

import (
	"fmt"
	"math/rand"
	"strings"
)

// Door is a transition to another position, possibly in another level.
type Door struct {
	X           int    `json:"x"`
	Y           int    `json:"y"`
	TargetLevel string `json:"target_level"`
	TargetX     int    `json:"target_x"`
	TargetY     int    `json:"target_y"`
}

// Stream is an ambient audio stream anchored to a map position.
type Stream struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	URL    string `json:"url"`
	Radius int    `json:"radius"`
}

// Level is a rectangular grid of tiles plus doors, streams and
// spawn positions.
type Level struct {
	Name    string
	Width   int
	Height  int
	Tiles   map[byte]TileDef
	Default TileDef
	Doors   []Door
	Streams []Stream

	grid   [][]byte
	spawns [][2]int
}

// NewFromText builds a level from a map text document. Rows shorter
// than the widest row are padded with spaces. 'S' marks a spawn
// position and is replaced by floor; tiles flagged is_spawn also
// register spawn positions but keep their character.
func NewFromText(name string, text string, tiles map[byte]TileDef, def TileDef) (*Level, error) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, fmt.Errorf("level '%s' is empty", name)
	}

	width := 0
	for _, line := range lines {
		if len(line) > width {
			width = len(line)
		}
	}
	if width == 0 {
		return nil, fmt.Errorf("level '%s' is empty", name)
	}

	if tiles == nil {
		tiles = BuiltinTiles()
	}

	l := &Level{
		Name:    name,
		Width:   width,
		Height:  len(lines),
		Tiles:   tiles,
		Default: def,
	}

	l.grid = make([][]byte, l.Height)
	for y, line := range lines {
		row := make([]byte, width)
		for x := range row {
			row[x] = ' '
		}
		copy(row, line)

		for x := 0; x < len(line); x++ {
			switch {
			case row[x] == 'S':
				l.spawns = append(l.spawns, [2]int{x, y})
				row[x] = '.'

			case tiles[row[x]].IsSpawn:
				l.spawns = append(l.spawns, [2]int{x, y})
			}
		}
		l.grid[y] = row
	}

	return l, nil
}

// NewFromBytes rebuilds a level from the row-major tile bytes carried
// by the server hello.
func NewFromBytes(name string, width int, height int, data []byte, tiles map[byte]TileDef, def TileDef) (*Level, error) {
	if width <= 0 || height <= 0 || len(data) != width*height {
		return nil, fmt.Errorf("invalid level data: %dx%d with %d bytes", width, height, len(data))
	}

	if tiles == nil {
		tiles = BuiltinTiles()
	}

	l := &Level{
		Name:    name,
		Width:   width,
		Height:  height,
		Tiles:   tiles,
		Default: def,
	}

	l.grid = make([][]byte, height)
	for y := 0; y < height; y++ {
		l.grid[y] = append([]byte(nil), data[y*width:(y+1)*width]...)
	}

	return l, nil
}

// Bytes returns the row-major tile bytes of the grid.
func (l *Level) Bytes() []byte {
	out := make([]byte, 0, l.Width*l.Height)
	for _, row := range l.grid {
		out = append(out, row...)
	}
	return out
}

// TileAt returns the tile character at a position. Out-of-bounds
// positions read as space.
func (l *Level) TileAt(x int, y int) byte {
	if x < 0 || y < 0 || x >= l.Width || y >= l.Height {
		return ' '
	}
	return l.grid[y][x]
}

// Def returns the definition of a tile character.
func (l *Level) Def(char byte) TileDef {
	if td, ok := l.Tiles[char]; ok {
		return td
	}
	return l.Default
}

// IsWalkable reports whether a position can be stepped on.
func (l *Level) IsWalkable(x int, y int) bool {
	if x < 0 || y < 0 || x >= l.Width || y >= l.Height {
		return false
	}
	return l.Def(l.grid[y][x]).Walkable
}

// DoorAt returns the door entry at a position, if any. Tiles flagged
// is_door but lacking an entry are plain walkable tiles.
func (l *Level) DoorAt(x int, y int) (Door, bool) {
	for _, d := range l.Doors {
		if d.X == x && d.Y == y {
			return d, true
		}
	}
	return Door{}, false
}

// SpawnPosition picks a spawn position: a random marked spawn if any
// exist, otherwise the first walkable cell, otherwise the grid center.
func (l *Level) SpawnPosition() (int, int) {
	if len(l.spawns) > 0 {
		p := l.spawns[rand.Intn(len(l.spawns))]
		return p[0], p[1]
	}

	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if l.IsWalkable(x, y) {
				return x, y
			}
		}
	}

	return l.Width / 2, l.Height / 2
}

// SpawnCount returns the number of marked spawn positions.
func (l *Level) SpawnCount() int {
	return len(l.spawns)
}
