// Package canbus sends and receives CAN frames independent of the adapter
// moving the bytes.
//
// A Bus binds one Transport, created from the adapter registry by name
// (see the adapter package, which registers its backends on import), and
// filters inbound frames with a set of id/mask Filters. A Notifier fans
// frames from one or more buses out to Listeners, and SendPeriodic keeps
// resending a frame on a fixed schedule.
//
//	bus, err := canbus.New(&canbus.Config{Interface: "virtual", Channel: "vcan0"})
//	if err != nil {
//		return err
//	}
//	defer bus.Shutdown()
//	f := canbus.MustFrame(0x123, []byte{0xDE, 0xAD})
//	err = bus.Send(f, time.Second)
package canbus
