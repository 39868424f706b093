// Package visualization coordinates overlay drawing across a tree of
// isolated contexts (a document and its nested iframes).
//
// Each context runs its own Controller. A Controller receives enable and
// disable commands for a visualization, draws the results its own context
// owns through the registered Drawer, and forwards every live child the
// part of the result set that child owns. The tree is never held in memory:
// a child is only an opaque frames.ContextRef plus the messenger used to
// reach it, and recursion happens inside each child's own Controller.
//
// Typical wiring:
//
//	tracker := frames.NewTracker(logger)
//	ctrl, err := visualization.NewController(endpoint, tracker, logger)
//	if err != nil {
//	    return err
//	}
//	ctrl.MustRegisterDrawer("headings", headingsDrawer)
//	ctrl.MustRegisterDrawer("tab-stops", tabStopsDrawer)
//	if err := ctrl.Initialize(); err != nil {
//	    return err
//	}
//	defer ctrl.Dispose()
package visualization
