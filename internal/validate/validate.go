// Package validate implements the request validator (spec §4.B): a
// pure function over a decoded Request that either returns the
// matched language descriptor or a policy-violation error.
package validate

import (
	"bytes"

	"judged/internal/engineerr"
	"judged/internal/langreg"
	"judged/internal/wire"
)

const (
	MinTimeoutSec = 1
	MaxTimeoutSec = 60
)

// Request validates req against the registry reg and returns the
// matched language descriptor on success.
func Request(req wire.Request, reg langreg.Registry) (langreg.Descriptor, error) {
	if req.TimeoutSec < MinTimeoutSec || req.TimeoutSec > MaxTimeoutSec {
		return langreg.Descriptor{}, engineerr.Policyf(
			"timeout %d out of range [%d, %d]", req.TimeoutSec, MinTimeoutSec, MaxTimeoutSec)
	}

	for _, arg := range req.Arguments {
		if bytes.IndexByte(arg, 0) >= 0 {
			return langreg.Descriptor{}, engineerr.Policy("argument contains a zero byte")
		}
	}
	for _, opt := range req.Options {
		if bytes.IndexByte(opt, 0) >= 0 {
			return langreg.Descriptor{}, engineerr.Policy("option contains a zero byte")
		}
	}

	desc, ok := reg.Lookup(req.Language)
	if !ok {
		return langreg.Descriptor{}, engineerr.Policyf("unknown language %q", req.Language)
	}
	return desc, nil
}
