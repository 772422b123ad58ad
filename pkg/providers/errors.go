package providers

import "fmt"

// CompletionError reports a failed chat-completion request. The dispatcher
// converts it into a generic user-visible apology; Detail never reaches chat.
type CompletionError struct {
	Status int
	Detail string
	Err    error
}

func (e *CompletionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion request failed: %v", e.Err)
	}
	return fmt.Sprintf("completion request failed: status=%d error=%s", e.Status, e.Detail)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// EmbeddingError reports a failed embedding request. Non-fatal during
// retrieval, fatal during knowledge ingestion.
type EmbeddingError struct {
	Status int
	Detail string
	Err    error
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding request failed: %v", e.Err)
	}
	return fmt.Sprintf("embedding request failed: status=%d error=%s", e.Status, e.Detail)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }
