package objectstore

import (
	"fmt"
)

// JobStatus is the state of one job of a request.
type JobStatus int

const (
	JobToTransfer JobStatus = iota + 1
	JobToReportToUser
	JobToReportForFailure
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobToTransfer:
		return "ToTransfer"
	case JobToReportToUser:
		return "ToReportToUser"
	case JobToReportForFailure:
		return "ToReportForFailure"
	case JobFailed:
		return "Failed"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// QueueTypeFor returns the queue a job with status s belongs to. Retrieve
// failures are reported through the ToReportToUser queue of the tape.
func QueueTypeFor(kind QueueKind, s JobStatus) (QueueType, error) {
	switch s {
	case JobToTransfer:
		return QueuePendingTransfer, nil
	case JobToReportToUser:
		return QueueToReportToUser, nil
	case JobToReportForFailure:
		if kind == RetrieveQueueKind {
			return QueueToReportToUser, nil
		}
		return QueueToReportForFailure, nil
	case JobFailed:
		return QueueFailed, nil
	}
	return 0, fmt.Errorf("job status %s has no queue", s)
}
