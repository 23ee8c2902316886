/*
Package metrics provides Prometheus metric collection for the memory
and cognition subsystems.

The Collector registers counters and histograms via promauto under a
configurable namespace: episodic event and knowledge card volumes,
prune and sweep sizes, strategy promotion transitions, deviation
detections, learning path and step outcomes, and maintenance task
durations.
*/
package metrics
