package lfht

// config.go follows the teacher cache package's functional-option shape
// (pkg/config.go): a private config[T] struct, a generic Option[T] type,
// and an applyOptions helper that validates and derives any computed
// fields. lfht has no per-instance generic key/value split the way the
// cache does — Table is generic over the stored element type only — so
// the option set is correspondingly smaller.
//
// © 2025 lfht authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Table at construction time.
type Option[T any] func(*config[T])

type config[T any] struct {
	table0Hint int
	logger     *zap.Logger
	registry   *prometheus.Registry
}

func defaultConfig[T any]() config[T] {
	return config[T]{
		table0Hint: 1 << minSizeLog2,
		logger:     zap.NewNop(),
	}
}

// WithTable0Hint sizes the first table generation to hold at least n
// elements without a migration, rounding up to the nearest supported
// table size. Equivalent to lfht.c's lfht_init_sized first_size_log2
// rounding loop.
func WithTable0Hint[T any](n int) Option[T] {
	return func(c *config[T]) {
		if n > 0 {
			c.table0Hint = n
		}
	}
}

// WithLogger plugs a zap.Logger used only for slow/rare events: table
// replacement, migration halt/resume. Never used on Add/GetFirst/DeleteByKey.
func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(c *config[T]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection for the table.
func WithMetrics[T any](reg *prometheus.Registry) Option[T] {
	return func(c *config[T]) {
		c.registry = reg
	}
}

func applyOptions[T any](cfg *config[T], opts []Option[T]) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.table0Hint <= 0 {
		return errInvalidHint
	}
	return nil
}

var errInvalidHint = errors.New("lfht: table0 size hint must be > 0")
