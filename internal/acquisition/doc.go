// Package acquisition defines the data model shared by the synchronized
// acquisition engine: planned events, frame payloads, sequence plans and the
// error taxonomy.
//
// An AcquisitionEvent identifies one planned exposure by (sequence, channel).
// Events are enumerated event-major: every channel of event i precedes any
// channel of event i+1. Payload index n therefore maps to
// (n / channels, n % channels), which is the ordering contract the drain loop
// and the persistence pipeline both rely on.
package acquisition
