package czi_reader

import "strings"

// Canonical order for the dims string; X and Y always close it out.
var dimOrder = []string{"S", "M", "B", "V", "H", "I", "R", "T", "C", "Z"}

func buildDims(letters map[string]bool) string {
	var b strings.Builder
	for _, d := range dimOrder {
		if letters[d] {
			b.WriteString(d)
		}
	}
	b.WriteString("YX")
	return b.String()
}

// HasScenes reports whether a dims string contains the scene dimension.
func HasScenes(dims string) bool {
	return strings.Contains(dims, "S")
}

// HasMosaics reports whether a dims string contains the mosaic tile
// dimension.
func HasMosaics(dims string) bool {
	return strings.Contains(dims, "M")
}

// HasStacks reports whether a dims string contains the focal stack
// dimension.
func HasStacks(dims string) bool {
	return strings.Contains(dims, "Z")
}
