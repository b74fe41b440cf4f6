/*
Package resilience provides the circuit breaker that guards the governor's
fragile sinks: the durable audit log writer and the govctl HTTP client.

# Usage

	breaker := resilience.New("audit-log", resilience.Settings{
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	err := breaker.Do(func() error {
		return sink.Append(event)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		// sink skipped; report through the fallback channel
	}

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open

State change callbacks run after the breaker's lock is released.
*/
package resilience
