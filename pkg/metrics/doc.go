// Package metrics defines and registers brook's Prometheus
// instrumentation: catalog and dispatcher gauges/counters/histograms,
// document/transaction/view/kv/pubsub/session counters, and the
// /metrics scrape handler. Metrics are registered once at package
// init, following the teacher's MustRegister-in-init idiom, and are
// safe for concurrent update from any package that imports them.
package metrics
