package gateway

import "fmt"

// TimeoutError means the decision service did not answer within the
// configured bound.
type TimeoutError struct {
	TimeoutMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("decision service call timed out after %dms", e.TimeoutMS)
}

// HTTPError means the decision service answered with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("decision service returned status %d: %s", e.StatusCode, e.Body)
}

// NetworkError means no HTTP response was received at all (connection
// refused, DNS failure).
type NetworkError struct {
	Cause string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("decision service unreachable: %s", e.Cause)
}
