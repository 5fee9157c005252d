/*
Package resilience provides the circuit breaker that guards each storage
portal.

A breaker is closed while its portal answers. Once ShouldTrip reports too
many failures it opens and rejects calls immediately for Cooldown, after
which it lets MaxProbes calls through to decide whether to close again.

	Closed --[failures]-> Open --[cooldown]-> Half-Open --[successes]-> Closed
	                                             |
	                                        [failure]
	                                             v
	                                           Open

IsFailure decides what counts against the portal. Portal clients treat
"not found" as a healthy answer so a missing module cannot take a portal out
of rotation.

	breaker := resilience.New("portal:siasky.net", resilience.Settings{
		Cooldown:  30 * time.Second,
		IsFailure: func(err error) bool { return err != nil && !errors.Is(err, content.ErrNotFound) },
	})
	err := breaker.Do(func() error { return fetch(ctx) })
*/
package resilience
