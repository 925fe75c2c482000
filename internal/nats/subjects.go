package nats

import "fmt"

// Subject hierarchy and bucket names.
//
//	cta.events.tape.{vid}   -- tape state change notifications
//	cta.events.tape.>       -- all tape events (wildcardable)
//
// Object store buckets are namespaced so several independent object stores
// can share one NATS deployment:
//
//	{namespace}-objects     -- object payloads
//	{namespace}-locks       -- lock records
const (
	StreamName    = "CTA_EVENTS"
	SubjectPrefix = "cta"

	DefaultNamespace = "cta"
)

// ObjectsBucket returns the bucket holding object payloads.
func ObjectsBucket(namespace string) string {
	return fmt.Sprintf("%s-objects", namespace)
}

// LocksBucket returns the bucket holding lock records.
func LocksBucket(namespace string) string {
	return fmt.Sprintf("%s-locks", namespace)
}

// TapeEventSubject returns the subject for one tape's state events.
// Example: cta.events.tape.V00001
func TapeEventSubject(vid string) string {
	return fmt.Sprintf("%s.events.tape.%s", SubjectPrefix, vid)
}

// TapeEventsAllSubject returns the wildcard subject for all tape events.
func TapeEventsAllSubject() string {
	return fmt.Sprintf("%s.events.tape.>", SubjectPrefix)
}

// EventsAllSubject returns the wildcard subject for all events.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.>", SubjectPrefix)
}
