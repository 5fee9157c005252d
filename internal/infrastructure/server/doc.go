// Package server assembles the kernel process: configuration, logging,
// metrics, the content download chain, the kernel itself and the gin
// router carrying the /kernel WebSocket endpoint and the operator HTTP
// surface.
package server
