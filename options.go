package docwire

import (
	"github.com/hupe1980/docwire/actions"
	"github.com/hupe1980/docwire/blobstore"
	"github.com/hupe1980/docwire/codec"
	"github.com/hupe1980/docwire/transport"
)

// AccessRechecker receives the pre-existing rows each applied bundle
// touched, so access rules can be re-evaluated for affected clients.
type AccessRechecker func(docID string, related []actions.TableRows)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	codec            codec.Codec
	artifacts        blobstore.Store
	recheck          AccessRechecker
	memoryLimit      int64
	bundleCost       int64
	transportOptions []func(*transport.Options)
}

// Option configures DocWorker constructor behavior.
type Option func(*options)

// WithLogger configures the structured logger. If nil is passed, the
// default text logger is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NewLogger(nil)
		}
		o.logger = l
	}
}

// WithMetrics configures the metrics collector.
//
// If nil is passed, NoopMetricsCollector is used.
func WithMetrics(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithCodec configures the codec used for client messages and export
// artifacts.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithArtifacts configures the artifact store used for exports. Without a
// store, Export returns an error.
func WithArtifacts(s blobstore.Store) Option {
	return func(o *options) {
		o.artifacts = s
	}
}

// WithAccessRechecker installs the callback invoked with the outcome of
// RelatedRows after each applied bundle.
func WithAccessRechecker(fn AccessRechecker) Option {
	return func(o *options) {
		o.recheck = fn
	}
}

// WithMemoryLimit bounds the combined estimated footprint of bundles being
// applied concurrently, in bytes. Bundles beyond the limit queue FIFO.
//
// Zero disables the limit.
func WithMemoryLimit(limit int64) Option {
	return func(o *options) {
		o.memoryLimit = limit
	}
}

// WithBundleCost overrides the per-action footprint estimate used against
// the memory limit.
func WithBundleCost(cost int64) Option {
	return func(o *options) {
		o.bundleCost = cost
	}
}

// WithTransportOptions forwards options to the realtime transport server.
func WithTransportOptions(optFns ...func(*transport.Options)) Option {
	return func(o *options) {
		o.transportOptions = append(o.transportOptions, optFns...)
	}
}
