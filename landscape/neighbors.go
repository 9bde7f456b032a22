package landscape

import (
	"fmt"
	"iter"
	"strings"
)

// Neighborhood selects which cells count as neighbours.
type Neighborhood uint8

const (
	Moore      Neighborhood = iota // square: Chebyshev distance <= radius
	VonNeumann                     // diamond: Manhattan distance <= radius
)

func (n Neighborhood) String() string {
	switch n {
	case Moore:
		return "moore"
	case VonNeumann:
		return "von_neumann"
	}
	return fmt.Sprintf("Neighborhood(%d)", uint8(n))
}

// ParseNeighborhood parses "moore" or "von_neumann".
func ParseNeighborhood(s string) (Neighborhood, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "moore":
		return Moore, nil
	case "von_neumann", "vonneumann", "von-neumann":
		return VonNeumann, nil
	}
	return Moore, fmt.Errorf("unknown neighborhood %q", s)
}

// Neighbors yields the cells within radius of i, excluding i itself.
// Offsets wrap across the boundary and are deduplicated, so every cell has the
// same neighbour count. Order is row-major over the offsets.
func (l *Landscape[C]) Neighbors(i CellIndex, radius int, kind Neighborhood) iter.Seq[CellIndex] {
	return func(yield func(CellIndex) bool) {
		if radius <= 0 {
			return
		}
		cx, cy := l.Coords(i)
		center := l.norm(i)

		// Only a neighbourhood wider than the grid can revisit a cell.
		var seen map[CellIndex]struct{}
		if span := 2*radius + 1; span > l.width || span > l.height {
			seen = map[CellIndex]struct{}{center: {}}
		}

		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				if kind == VonNeumann && abs(dx)+abs(dy) > radius {
					continue
				}
				n := l.Wrap(cx+dx, cy+dy)
				if seen != nil {
					if _, dup := seen[n]; dup {
						continue
					}
					seen[n] = struct{}{}
				}
				if !yield(n) {
					return
				}
			}
		}
	}
}

// Around yields i followed by its neighbours.
func (l *Landscape[C]) Around(i CellIndex, radius int, kind Neighborhood) iter.Seq[CellIndex] {
	return func(yield func(CellIndex) bool) {
		if !yield(l.norm(i)) {
			return
		}
		for n := range l.Neighbors(i, radius, kind) {
			if !yield(n) {
				return
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
