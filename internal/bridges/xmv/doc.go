// Package xmv implements the Yamaha XMV audio matrix bridge for Gray Logic.
//
// This package keeps one persistent TCP connection to an XMV-series
// processor, controls per-channel power, volume and mute, and mirrors the
// device state locally, including changes made from wall panels or other
// controllers.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │   XMV Bridge    │   RCP/TCP
//	│      Core       │◄────────►│   (this pkg)    │◄────────► XMV device
//	└─────────────────┘          └─────────────────┘
//
// Inbound bytes flow reader -> StreamDecoder -> StateCache -> Notifier ->
// subscribers, or to the Dispatcher when they answer a command. Commands
// flow Controller -> Client -> Dispatcher -> socket.
//
// # Wire Protocol
//
// The device speaks the Yamaha Remote Control Protocol: ASCII lines on TCP
// port 49280. Each channel is addressed by its Xpos index:
//
//	set MTX:mem_512/60003/0/4/0/0/0 0 0 1       power on, channel 4
//	set MTX:mem_512/60002/0/4/0/0/0 0 0 -2000   level -20.00 dB
//	NOTIFY set MTX:mem_512/60002/0/4/0/0/0 0 0 -13801   muted
//
// # Usage
//
//	ctrl := xmv.NewController(xmv.WithLogger(log))
//	defer ctrl.Shutdown()
//
//	unsubscribe := ctrl.Subscribe(xmv.ListenerFuncs{
//	    Channel: func(id int, s xmv.ChannelState) { ... },
//	})
//	defer unsubscribe()
//
//	if err := ctrl.Configure(cfg); err != nil {
//	    return err
//	}
//	err := ctrl.SetVolume(ctx, 4, 0.75)
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines,
// except StreamDecoder and Backoff which belong to a single goroutine.
package xmv
