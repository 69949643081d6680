// Package display holds the session.Display implementations: a log
// sink, a colored terminal printer, a D-Bus signal emitter for desktop
// integration, and Multi to drive several at once.
//
// New builds a Multi from kind names as they appear in configuration:
//
//	ui, err := display.New([]string{"terminal", "dbus"}, os.Stdout)
//	if err != nil {
//		return err
//	}
//	defer ui.Close()
package display
