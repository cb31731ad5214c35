package canonical

import "fmt"

// FormatError reports an input that could not be normalized. It carries
// the raw value so callers can log it; callers decide whether to drop
// the single record or abort; normalization never aborts a batch on
// its own.
type FormatError struct {
	Raw    string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("canonical: %s: %q", e.Reason, e.Raw)
}

func formatErr(raw, reason string) error {
	return &FormatError{Raw: raw, Reason: reason}
}
