// Package nextion implements a client for Nextion HMI serial displays.
//
// The package covers the full device protocol: the command/response engine
// over a shared half-duplex serial line, asynchronous device events (touch,
// sleep, startup, microSD upgrade), and the two-phase firmware upload
// sub-protocol with its baud renegotiation and per-chunk acknowledgement
// discipline.
//
// A Client correlates commands to responses purely by arrival order: the
// wire protocol carries no request identifiers, so the client enforces an
// at-most-one in-flight command discipline. Event frames interleave freely
// with responses and are delivered to the registered handler on a separate
// dispatch goroutine, so event delivery never stalls command round-trips.
//
// Basic usage:
//
//	cfg, err := nextion.NewConfig("/dev/ttyUSB0", nextion.WithBaudRate(9600))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	client, err := nextion.NewClient(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := client.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	client.On(func(typ nextion.EventType, payload any) {
//		fmt.Println("event:", typ)
//	})
//
//	if err := client.Set(ctx, "field1.txt", "hello"); err != nil {
//		log.Fatal(err)
//	}
package nextion
