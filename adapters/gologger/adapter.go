// Package gologger resolves the messaging runtime's component loggers over
// go-logger and bridges them to the go-job logging contracts the queue
// workers consume.
package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// RootLoggerName scopes every component logger the runtime resolves.
const RootLoggerName = "outbound"

// Component names for the runtime's logging surfaces.
const (
	ComponentDispatcher  = "dispatcher"
	ComponentReconciler  = "webhooks.reconciler"
	ComponentReprocessor = "webhooks.reprocessor"
	ComponentQueueWorker = "queue.worker"
)

// ScopedName qualifies a component under the outbound root. An empty
// component resolves the root logger itself; already-qualified names pass
// through unchanged.
func ScopedName(component string) string {
	component = strings.TrimSpace(component)
	if component == "" {
		return RootLoggerName
	}
	if component == RootLoggerName || strings.HasPrefix(component, RootLoggerName+".") {
		return component
	}
	return RootLoggerName + "." + component
}

// Resolve resolves a component logger with deterministic precedence
// provider > logger > nop.
func Resolve(component string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(ScopedName(component), provider, logger)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves a component logger and returns the go-job bridges
// the queue adapters hand to their workers.
func ResolveForJob(
	component string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(component, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
