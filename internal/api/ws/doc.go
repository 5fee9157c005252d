// Package ws carries kernel envelopes over WebSocket connections.
//
// Each connection is a kernel.Caller. Frames are decoded with the codec
// selected by the negotiated subprotocol (skykernel.json as text frames,
// skykernel.cbor as binary frames) and handed to the kernel. Outbound
// envelopes queue in a mailbox drained by one writer goroutine, so the
// kernel loop never blocks on a slow socket.
//
// The caller's Origin header is its identity for domain derivation and
// for restricted methods.
//
// Example Usage:
//
//	handler := ws.NewHandler(k, ws.DefaultOptions(), logger)
//	router.GET("/kernel", handler.HandleConnection)
package ws
