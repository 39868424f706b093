package visualization

// DrawerInitData is what a drawer receives before drawing.
// Data is nil when the command carried no result set, which lets
// full-viewport drawers render without per-element input.
type DrawerInitData struct {
	Data         []Result
	FeatureFlags map[string]bool
}

// Drawer renders and erases the overlay of one visualization.
//
// Implementations must tolerate Initialize being called several times
// before DrawLayout, and EraseLayout being called when nothing is drawn.
type Drawer interface {
	Initialize(data DrawerInitData)
	DrawLayout()
	EraseLayout()
}
