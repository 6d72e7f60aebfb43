// ABOUTME: High-level SendSpin player API
// ABOUTME: Wires transport, time sync, clock filter, codecs, and scheduler together
// Package sendspinplayer provides the high-level SendSpin player.
//
// A Player owns one server connection and everything needed to render its
// audio stream in sample-accurate sync with other players on the network:
// the WebSocket session, the time-sync probe engine, the Kalman clock
// filter, the per-stream decoder, and the drift-correcting scheduler.
//
// Example:
//
//	out := sink.NewOto(logger)
//	player, err := sendspinplayer.NewPlayer(sendspinplayer.Config{
//	    ServerAddr: "ws://livingroom.local:8927/sendspin",
//	    PlayerName: "Living Room",
//	}, out, logger)
//	err = player.Run(ctx)
//
// For lower-level control, see the transport, timesync, clocksync,
// scheduler, codec, and wire packages.
package sendspinplayer
