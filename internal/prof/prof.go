// Package prof starts pyroscope continuous profiling.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string
	// MutexProfileFraction and BlockProfileRate feed the mutex and block
	// profiles, which is where memory store lock contention shows up.
	// Zero leaves the runtime setting alone.
	MutexProfileFraction int
	BlockProfileRate     int
}

// Start begins pushing profiles and returns a stop func that is always safe
// to call, including after an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("pyroscope server address is required")
	}
	if opts.AppName == "" {
		return noop, xerrors.New("pyroscope application name is required")
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		AuthToken:         opts.AuthToken,
		TenantID:          opts.TenantID,
		Tags:              opts.Tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		return noop, xerrors.Wrapf(err, "pyroscope start %s", opts.ServerAddress)
	}

	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)
	return func() {
		_ = profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}
