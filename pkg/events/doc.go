/*
Package events provides an in-memory event broker for progress notifications.

Long-running operations publish what they are doing so that a front end can
show progress without parsing logs. The orchestrator publishes every release
state change and the final outcome; the drill runner publishes each step.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Message)
		}
	}()
	...
	broker.Stop() // delivers queued events, then closes sub

# Delivery

Publish queues into a 100-event buffer and a single loop broadcasts to
subscribers, each with a 50-event buffer. A subscriber that falls behind
misses events rather than stalling the release. Stop drains the queue
before closing subscribers, so a subscriber sees every event published
before Stop as long as it keeps up.

A nil *Broker accepts and drops events, so publishers need no nil checks.

# Event Types

  - release.state: a release entered a state (metadata: release_id, state)
  - release.finished: a release ended (metadata: outcome, traffic)
  - traffic.switched: a manual switch or rollback moved traffic
  - drill.step: a drill started a step (metadata: drill_id, step)
  - drill.finished: a drill ended (metadata: success)
*/
package events
