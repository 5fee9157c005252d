// Package http is the operator HTTP surface next to the kernel's WebSocket
// endpoint.
//
// Public endpoints report health, version, statistics and notable errors,
// and serve content by address. Session login/logout and the override list
// sit behind middleware.DashboardOnly, mirroring the restricted kernel
// methods.
package http
