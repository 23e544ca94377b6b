package manifest

import "math/rand/v2"

// ExpandCells linearizes the study matrix per the execution order:
//
//	round-robin:    each query visits every surface and location before the
//	                next query starts (q outermost)
//	surface-first:  each surface is drained completely before the next
//	location-first: each location is drained completely before the next
//
// When shuffle is requested, the expanded queue is permuted with a PRNG
// seeded from the manifest fingerprint so the order is reproducible for the
// same manifest across runs.
func (m *Manifest) ExpandCells() []Cell {
	cells := make([]Cell, 0, m.TotalCells())

	switch m.Execution.ExecutionOrder {
	case OrderSurfaceFirst:
		for _, s := range m.Surfaces {
			for _, l := range m.Locations {
				for q := range m.Queries {
					cells = append(cells, Cell{QueryIndex: q, SurfaceID: s.ID, LocationID: l.ID})
				}
			}
		}
	case OrderLocationFirst:
		for _, l := range m.Locations {
			for _, s := range m.Surfaces {
				for q := range m.Queries {
					cells = append(cells, Cell{QueryIndex: q, SurfaceID: s.ID, LocationID: l.ID})
				}
			}
		}
	default: // round-robin
		for q := range m.Queries {
			for _, s := range m.Surfaces {
				for _, l := range m.Locations {
					cells = append(cells, Cell{QueryIndex: q, SurfaceID: s.ID, LocationID: l.ID})
				}
			}
		}
	}

	if m.Execution.ShuffleQueries {
		rng := rand.New(rand.NewPCG(m.shuffleSeed()))
		rng.Shuffle(len(cells), func(i, j int) {
			cells[i], cells[j] = cells[j], cells[i]
		})
	}
	return cells
}

// shuffleSeed derives the two PCG seed words from the manifest fingerprint.
func (m *Manifest) shuffleSeed() (uint64, uint64) {
	fp := m.Fingerprint()
	var lo, hi uint64
	for i := 0; i < 16 && i < len(fp); i++ {
		lo = lo<<4 | uint64(hexNibble(fp[i]))
	}
	for i := 16; i < 32 && i < len(fp); i++ {
		hi = hi<<4 | uint64(hexNibble(fp[i]))
	}
	return lo, hi
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
