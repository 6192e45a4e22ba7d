package ksession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testutilCounterValue(c prometheus.Counter) float64 {
	return testutil.ToFloat64(c)
}
