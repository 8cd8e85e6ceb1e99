package kv

import "fmt"

func ProgressTotalKey(jobID string) string {
	return fmt.Sprintf("progress:%s:total", jobID)
}

func ProgressCompletedKey(jobID string) string {
	return fmt.Sprintf("progress:%s:completed", jobID)
}

// ProgressResultsKey holds a hash of chunk index to the chunk's recorded result.
func ProgressResultsKey(jobID string) string {
	return fmt.Sprintf("progress:%s:results", jobID)
}

func CallbackKey(jobID string) string {
	return fmt.Sprintf("callback_map:%s", jobID)
}

func AbortKey(jobID string) string {
	return fmt.Sprintf("abort:%s", jobID)
}

func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}
