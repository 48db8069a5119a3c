package sandbox

import "github.com/conduit-run/conduit/rpcerr"

func breachError(kind breachKind) *rpcerr.Error {
	switch kind {
	case breachMemory:
		return rpcerr.New(rpcerr.MemoryLimitExceeded, "execution exceeded the configured memory limit")
	case breachOutput:
		return rpcerr.New(rpcerr.OutputLimitExceeded, "execution exceeded the configured output byte limit")
	case breachLog:
		return rpcerr.New(rpcerr.LogEntryLimitExceeded, "execution exceeded the configured log entry limit")
	case breachTimeout:
		return rpcerr.New(rpcerr.UpstreamTimeout, "execution exceeded the configured timeout")
	default:
		return nil
	}
}
