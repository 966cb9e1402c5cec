package models

// Phase descriptions written to a job's message as it runs.
const (
	MessageDiscovering = "Discovering URLs"
	MessageSyncing     = "Syncing URLs"
	MessageFinalizing  = "Finishing synchronization"
	MessageCompleted   = "Synchronization completed"
	MessageNoURLs      = "No URLs found"
	MessageTimedOut    = "Job timed out"
)

// DescribeProgress returns a generic description of what a job is doing at
// the given progress, for display when the job has no message.
func DescribeProgress(progress int) string {
	switch {
	case progress < 20:
		return "Preparing synchronization"
	case progress < 40:
		return MessageDiscovering
	case progress < 80:
		return MessageSyncing
	case progress < 100:
		return MessageFinalizing
	default:
		return "Done"
	}
}

// StatusMessage returns job's message, or a description of its progress if
// the message is empty.
func (j *SyncJob) StatusMessage() string {
	if j.Message != "" {
		return j.Message
	}
	return DescribeProgress(j.Progress)
}
