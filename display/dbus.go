package display

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/ardnew/softaoa/command"
	"github.com/ardnew/softaoa/pkg"
	"github.com/ardnew/softaoa/session"
)

// D-Bus names of the display object.
const (
	BusName                    = "org.ardnew.SoftAOA"
	ObjectPath dbus.ObjectPath = "/org/ardnew/SoftAOA"
	Interface                  = "org.ardnew.SoftAOA.Display"

	SignalSlideChanged    = Interface + ".SlideChanged"
	SignalMetadataChanged = Interface + ".MetadataChanged"
	SignalSessionEnded    = Interface + ".SessionEnded"

	introspectableIface = "org.freedesktop.DBus.Introspectable"
)

// Emitter sends a signal. *dbus.Conn satisfies it.
type Emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...any) error
}

// DBus publishes updates as signals on ObjectPath and answers Slide and
// Metadata method calls with the latest values.
type DBus struct {
	bus  Emitter
	conn *dbus.Conn // set by ConnectDBus

	mu    sync.Mutex
	slide int32
	meta  map[string]string
}

// NewDBus emits signals through bus without exporting any methods.
func NewDBus(bus Emitter) *DBus {
	return &DBus{bus: bus, meta: map[string]string{}}
}

// ConnectDBus connects to the session bus, claims BusName and exports the
// display object.
func ConnectDBus() (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("%w: bus name %s already taken", pkg.ErrBusy, BusName)
	}

	d := NewDBus(conn)
	d.conn = conn
	if err := d.export(conn); err != nil {
		conn.Close()
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentDisplay, "dbus display ready", "name", BusName, "path", ObjectPath)
	return d, nil
}

func (d *DBus) export(conn *dbus.Conn) error {
	obj := object{d}
	if err := conn.Export(obj, ObjectPath, Interface); err != nil {
		return err
	}

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(obj),
				Signals: []introspect.Signal{
					{Name: "SlideChanged", Args: []introspect.Arg{
						{Name: "slide", Type: "i"},
						{Name: "direction", Type: "s"},
					}},
					{Name: "MetadataChanged", Args: []introspect.Arg{
						{Name: "metadata", Type: "a{ss}"},
					}},
					{Name: "SessionEnded", Args: []introspect.Arg{
						{Name: "reason", Type: "s"},
						{Name: "error", Type: "s"},
					}},
				},
			},
		},
	}
	return conn.Export(introspect.NewIntrospectable(node), ObjectPath, introspectableIface)
}

// Close releases the bus connection opened by ConnectDBus.
func (d *DBus) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *DBus) OnAdvanceSlide(slide int) {
	d.setSlide(slide)
	d.emit(SignalSlideChanged, int32(slide), "advance")
}

func (d *DBus) OnRetreatSlide(slide int) {
	d.setSlide(slide)
	d.emit(SignalSlideChanged, int32(slide), "retreat")
}

// OnMetadataUpdated sends only the fields that are set; D-Bus strings
// cannot tell unset from empty.
func (d *DBus) OnMetadataUpdated(artist, album, track command.Text) {
	meta := map[string]string{}
	for key, t := range map[string]command.Text{"artist": artist, "album": album, "track": track} {
		if t.Valid {
			meta[key] = t.String
		}
	}

	d.mu.Lock()
	d.meta = meta
	d.mu.Unlock()

	d.emit(SignalMetadataChanged, meta)
}

func (d *DBus) OnSessionEnded(reason session.EndReason, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	d.mu.Lock()
	d.slide = 0
	d.meta = map[string]string{}
	d.mu.Unlock()

	d.emit(SignalSessionEnded, reason.String(), msg)
}

func (d *DBus) setSlide(slide int) {
	d.mu.Lock()
	d.slide = int32(slide)
	d.mu.Unlock()
}

func (d *DBus) emit(name string, values ...any) {
	if err := d.bus.Emit(ObjectPath, name, values...); err != nil {
		pkg.LogWarn(pkg.ComponentDisplay, "dbus signal failed", "signal", name, "error", err)
	}
}

// object holds the exported methods, keeping them off DBus itself.
type object struct {
	d *DBus
}

// Slide returns the current slide index.
func (o object) Slide() (int32, *dbus.Error) {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	return o.d.slide, nil
}

// Metadata returns the set metadata fields.
func (o object) Metadata() (map[string]string, *dbus.Error) {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	out := make(map[string]string, len(o.d.meta))
	for k, v := range o.d.meta {
		out[k] = v
	}
	return out, nil
}
