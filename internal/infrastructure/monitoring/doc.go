/*
Package monitoring provides Prometheus metrics for the kernel.

Metrics live on a private registry, so tests and embedded kernels never
collide on the global one. *Metrics implements kernel.Recorder and also
tracks HTTP requests, WebSocket connections and portal breaker state.

# Usage

	metrics := monitoring.NewMetrics()
	k := kernel.New(cfg, downloader, logger).WithRecorder(metrics)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
