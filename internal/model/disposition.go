package model

import "fmt"

// Disposition is the terminal outcome of one envelope.
type Disposition int32

const (
	Accepted Disposition = iota
	RejectedMalformed
	RejectedOverload
	Failed
	DeadlineExceeded
	Cancelled
)

var dispositionNames = [...]string{
	Accepted:          "accepted",
	RejectedMalformed: "rejected_malformed",
	RejectedOverload:  "rejected_overload",
	Failed:            "failed",
	DeadlineExceeded:  "deadline_exceeded",
	Cancelled:         "cancelled",
}

func (d Disposition) String() string {
	if d >= 0 && int(d) < len(dispositionNames) {
		return dispositionNames[d]
	}
	return fmt.Sprintf("disposition(%d)", int32(d))
}

// Valid reports whether d is one of the known dispositions.
func (d Disposition) Valid() bool {
	return d >= 0 && int(d) < len(dispositionNames)
}

// Outcome is what a sink reports for one submitted envelope.
type Outcome struct {
	Disposition Disposition
	Reason      string
}

func Accept() Outcome { return Outcome{Disposition: Accepted} }

func Reject(reason string) Outcome {
	return Outcome{Disposition: RejectedMalformed, Reason: reason}
}

func Overload(reason string) Outcome {
	return Outcome{Disposition: RejectedOverload, Reason: reason}
}

func Fail(err error) Outcome {
	if err == nil {
		return Outcome{Disposition: Failed}
	}
	return Outcome{Disposition: Failed, Reason: err.Error()}
}

// Ack is one recorded disposition. Sequence is the arrival number of the
// envelope within its session; Batch and Index locate it in the producer's
// requests.
type Ack struct {
	Sequence    uint64
	Batch       uint64
	Index       uint32
	Disposition Disposition
	Reason      string
}
