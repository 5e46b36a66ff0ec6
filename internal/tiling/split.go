package tiling

import (
	"math"
	"math/rand"
	"slices"
)

// Classes groups tile positions (indices into the tile slice) by their
// null-cell count.
type Classes struct {
	// Complete tiles have no null cells and may become training tiles.
	Complete []int

	// WithData tiles have at least one non-null cell.
	WithData []int

	// Empty tiles consist of null cells only; they are dropped from the
	// tile index.
	Empty []int
}

// Classify sorts tiles by null-cell count. nullCells[i] is the count of
// tile i, cellsPerTile the number of cells of a full tile.
func Classify(nullCells []int, cellsPerTile int) Classes {
	var c Classes
	for i, n := range nullCells {
		if n == 0 {
			c.Complete = append(c.Complete, i)
		}
		if n != cellsPerTile {
			c.WithData = append(c.WithData, i)
		} else {
			c.Empty = append(c.Empty, i)
		}
	}
	return c
}

// AllWithData classifies n tiles as having data without checking them. It
// is used for apply-only preparation, where no null check runs.
func AllWithData(n int) Classes {
	c := Classes{WithData: make([]int, n)}
	for i := range c.WithData {
		c.WithData[i] = i
	}
	return c
}

// Split is the outcome of dividing tiles into training and apply tiles.
type Split struct {
	Train []int
	Apply []int

	// Percent is the training percentage actually reached. It is lower
	// than requested when there are not enough complete tiles.
	Percent int

	// Reduced is set when Percent had to be lowered.
	Reduced bool
}

// SplitTiles draws round(percent/100*total) random training tiles among the
// complete tiles. Apply tiles are all tiles with data that were not drawn;
// with percent == 100 there are no apply tiles. If there are not enough
// complete tiles, all of them become training tiles and the reached
// percentage is reported.
func SplitTiles(c Classes, total, percent int, rng *rand.Rand) Split {
	s := Split{Percent: percent}

	numTrain := int(math.Round(float64(percent) / 100 * float64(total)))
	if len(c.Complete) < numTrain {
		numTrain = len(c.Complete)
		s.Percent = 0
		if total > 0 {
			s.Percent = int(math.Round(float64(numTrain) / float64(total) * 100))
		}
		s.Reduced = true
	}

	candidates := slices.Clone(c.Complete)
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	s.Train = candidates[:numTrain]
	slices.Sort(s.Train)

	if percent == 100 {
		return s
	}
	for _, i := range c.WithData {
		if !slices.Contains(s.Train, i) {
			s.Apply = append(s.Apply, i)
		}
	}
	return s
}
