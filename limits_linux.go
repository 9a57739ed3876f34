package proactor

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFilesLimit lifts the soft RLIMIT_NOFILE to limit, capped by the hard limit.
// It returns the soft limit in effect afterwards.
func RaiseOpenFilesLimit(limit uint64) (uint64, error) {
	rLimit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, rLimit)
	if err != nil {
		return 0, errorFromErrno("getrlimit", err)
	}
	if limit == 0 || rLimit.Cur >= limit {
		return rLimit.Cur, nil
	}
	if limit > rLimit.Max {
		log.Warn().Msgf("open files limit %d capped by hard limit %d", limit, rLimit.Max)
		limit = rLimit.Max
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: limit, Max: rLimit.Max})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return rLimit.Cur, errorFromErrno("setrlimit", err)
	}
	return limit, nil
}
