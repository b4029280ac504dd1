package telemetry

import "sync"

func resetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	decisionCounter = nil
	rpcCounter = nil
	rpcLatencyMillis = nil
}
