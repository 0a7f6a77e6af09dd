package registry

// Relic positions: the center or one of the four corners of the interior.
const (
	CornerCenter    = "Center"
	CornerNorthWest = "NorthWest"
	CornerNorthEast = "NorthEast"
	CornerSouthWest = "SouthWest"
	CornerSouthEast = "SouthEast"
)

var corners = map[[2]int]string{
	{0, 0}:   CornerCenter,
	{-1, -1}: CornerNorthWest,
	{1, -1}:  CornerNorthEast,
	{-1, 1}:  CornerSouthWest,
	{1, 1}:   CornerSouthEast,
}

// CornerName maps a sanitized offset to its corner. Edge midpoints are not relic slots.
func CornerName(dx, dy int) (string, bool) {
	n, ok := corners[[2]int{dx, dy}]
	return n, ok
}

func CornerOffset(name string) (dx, dy int, ok bool) {
	for k, v := range corners {
		if v == name {
			return k[0], k[1], true
		}
	}
	return 0, 0, false
}
