package metrics

import (
	"sync"
	"time"
)

// Metrics holds pipeline-level counters for the operator API
type Metrics struct {
	mu sync.RWMutex

	// Call metrics
	CallsStarted   int64
	CallsCompleted int64
	CallsFailed    int64
	ActiveCalls    int64

	// Pipeline events
	Utterances     int64
	BargeIns       int64
	ToolCalls      int64
	DroppedFrames  int64
	ForcedSpeechEnds int64

	// Collaborator calls
	ServiceCalls   map[string]int64
	ServiceErrors  map[string]int64
	ServiceLatency map[string][]time.Duration

	StartTime time.Time
}

var globalMetrics = &Metrics{
	ServiceCalls:   make(map[string]int64),
	ServiceErrors:  make(map[string]int64),
	ServiceLatency: make(map[string][]time.Duration),
	StartTime:      time.Now(),
}

// CallStarted records a new active call
func CallStarted() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsStarted++
	globalMetrics.ActiveCalls++
}

// CallEnded records call completion
func CallEnded(failed bool) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	if globalMetrics.ActiveCalls > 0 {
		globalMetrics.ActiveCalls--
	}
	if failed {
		globalMetrics.CallsFailed++
	} else {
		globalMetrics.CallsCompleted++
	}
}

// RecordUtterance counts a finalized caller utterance
func RecordUtterance() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.Utterances++
}

// RecordBargeIn counts a barge-in cancellation
func RecordBargeIn() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.BargeIns++
}

// RecordToolCall counts a dispatched tool call
func RecordToolCall() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.ToolCalls++
}

// RecordDroppedFrames counts inbound frames discarded by backpressure
func RecordDroppedFrames(n int) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.DroppedFrames += int64(n)
}

// RecordForcedSpeechEnd counts utterances closed by the max-duration guard
func RecordForcedSpeechEnd() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.ForcedSpeechEnds++
}

// RecordServiceCall records a collaborator call with its latency
func RecordServiceCall(service string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.ServiceCalls[service]++
	if !success {
		globalMetrics.ServiceErrors[service]++
	}

	// Keep only last 100 latency measurements per service
	if len(globalMetrics.ServiceLatency[service]) >= 100 {
		globalMetrics.ServiceLatency[service] = globalMetrics.ServiceLatency[service][1:]
	}
	globalMetrics.ServiceLatency[service] = append(globalMetrics.ServiceLatency[service], latency)
}

// Snapshot returns a copy of current metrics for the operator API
func Snapshot() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	services := make(map[string]interface{}, len(globalMetrics.ServiceCalls))
	for name, calls := range globalMetrics.ServiceCalls {
		avgLatency := time.Duration(0)
		if latencies := globalMetrics.ServiceLatency[name]; len(latencies) > 0 {
			var total time.Duration
			for _, l := range latencies {
				total += l
			}
			avgLatency = total / time.Duration(len(latencies))
		}
		services[name] = map[string]interface{}{
			"calls":          calls,
			"errors":         globalMetrics.ServiceErrors[name],
			"avg_latency_ms": avgLatency.Milliseconds(),
		}
	}

	return map[string]interface{}{
		"uptime_sec":         int64(time.Since(globalMetrics.StartTime).Seconds()),
		"calls_started":      globalMetrics.CallsStarted,
		"calls_completed":    globalMetrics.CallsCompleted,
		"calls_failed":       globalMetrics.CallsFailed,
		"active_calls":       globalMetrics.ActiveCalls,
		"utterances":         globalMetrics.Utterances,
		"barge_ins":          globalMetrics.BargeIns,
		"tool_calls":         globalMetrics.ToolCalls,
		"dropped_frames":     globalMetrics.DroppedFrames,
		"forced_speech_ends": globalMetrics.ForcedSpeechEnds,
		"services":           services,
	}
}
