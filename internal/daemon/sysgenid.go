// Package daemon implements the SysGenID D-Bus service: it exports the
// generation counter object on the bus, tracks watcher disconnects and runs
// until terminated.
package daemon

import (
	"github.com/godbus/dbus/v5"

	"github.com/acatangiu/sysgenid-dbus/internal/generation"
)

// D-Bus identity of the service.
const (
	BusName    = "com.RFC.sysgenid"
	ObjectPath = dbus.ObjectPath("/com/RFC/sysgenid")
	Interface  = "com.RFC.sysgenid"
)

// Signal member names emitted on Interface.
const (
	SignalNewSystemGeneration = "NewSystemGeneration"
	SignalSystemReady         = "SystemReady"
)

// ErrStaleAck is the D-Bus error name returned when a watcher acknowledges a
// value other than the current counter.
const ErrStaleAck = "com.RFC.sysgenid.Error.StaleAck"

// SysGenID is the D-Bus object exported under ObjectPath/Interface.
type SysGenID struct {
	state *generation.State
}

// NewSysGenID creates the exported object backed by state.
func NewSysGenID(state *generation.State) *SysGenID {
	return &SysGenID{state: state}
}

// GetSysGenCounter returns the current system generation counter.
func (s *SysGenID) GetSysGenCounter() (uint32, *dbus.Error) {
	return s.state.Counter(), nil
}

// AckWatcherCounter records the caller's acknowledgement of watcherCounter.
// On success the caller becomes (or stays) a tracked watcher and the current
// counter is returned. Acknowledging anything other than the current counter
// is a stale ack: the registry is untouched and a StaleAck bus error is
// returned.
func (s *SysGenID) AckWatcherCounter(sender dbus.Sender, watcherCounter uint32) (uint32, *dbus.Error) {
	counter, err := s.state.Ack(string(sender), watcherCounter)
	if err != nil {
		return 0, dbus.NewError(ErrStaleAck, []interface{}{err.Error()})
	}
	return counter, nil
}

// CountOutdatedWatchers returns the number of tracked watchers that have not
// yet acknowledged the current counter.
func (s *SysGenID) CountOutdatedWatchers() (uint32, *dbus.Error) {
	return s.state.OutdatedCount(), nil
}

// TriggerSysGenUpdate bumps the generation counter to at least minGen.
// The host bus policy is expected to restrict this method to privileged
// callers.
func (s *SysGenID) TriggerSysGenUpdate(minGen uint32) *dbus.Error {
	s.state.Bump(minGen)
	return nil
}

// IntrospectXML is served on org.freedesktop.DBus.Introspectable requests.
// The shape is part of the service contract; clients generate proxies from it.
const IntrospectXML = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node>
  <interface name="com.RFC.sysgenid">
    <method name="GetSysGenCounter">
      <arg name="sysgen_counter" type="u" direction="out"/>
    </method>
    <method name="AckWatcherCounter">
      <arg name="watcher_counter" type="u" direction="in"/>
      <arg name="sysgen_counter" type="u" direction="out"/>
    </method>
    <method name="CountOutdatedWatchers">
      <arg name="outdated_watchers" type="u" direction="out"/>
    </method>
    <method name="TriggerSysGenUpdate">
      <arg name="min_gen" type="u" direction="in"/>
    </method>
    <signal name="NewSystemGeneration">
      <arg name="sysgen_counter" type="u"/>
    </signal>
    <signal name="SystemReady"/>
  </interface>
  <interface name="org.freedesktop.DBus.Introspectable">
    <method name="Introspect">
      <arg name="xml" type="s" direction="out"/>
    </method>
  </interface>
</node>`
