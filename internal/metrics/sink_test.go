package metrics

import (
	"github.com/djlord-it/easy-protect/internal/executor"
	"github.com/djlord-it/easy-protect/internal/leaderelection"
	"github.com/djlord-it/easy-protect/internal/operation"
	"github.com/djlord-it/easy-protect/internal/protection"
	"github.com/djlord-it/easy-protect/internal/reconciler"
	"github.com/djlord-it/easy-protect/internal/scheduler"
	"github.com/djlord-it/easy-protect/internal/transport/channel"
)

// Every component sink is satisfied by Sink, so one instance can be wired
// everywhere.
var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = (*NoopSink)(nil)

	_ scheduler.MetricsSink      = Sink(nil)
	_ executor.MetricsSink       = Sink(nil)
	_ channel.MetricsSink        = Sink(nil)
	_ operation.MetricsSink      = Sink(nil)
	_ protection.MetricsSink     = Sink(nil)
	_ reconciler.MetricsSink     = Sink(nil)
	_ leaderelection.MetricsSink = Sink(nil)
)
