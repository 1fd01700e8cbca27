package notification

// Kind is the retry classification of a gateway failure.
type Kind int

const (
	// Transient failures may succeed on retry and never flag a token.
	Transient Kind = iota
	// Permanent failures are never retried; for token sends they flag the token invalid.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classifier maps a provider failure reason to a retry classification.
type Classifier func(FailureReason) Kind

// ClassificationTable is the data behind a Classifier. Reasons missing from
// the table are Transient.
type ClassificationTable map[FailureReason]Kind

// DefaultClassificationTable is the standard provider mapping.
var DefaultClassificationTable = ClassificationTable{
	ReasonInvalidRegistration: Permanent,
	ReasonNotRegistered:       Permanent,
	ReasonInvalidMessage:      Permanent,
	ReasonUnsupported:         Permanent,
	ReasonRateLimited:         Transient,
	ReasonTimeout:             Transient,
	ReasonUnavailable:         Transient,
	ReasonUnknown:             Transient,
}

// Classifier returns a Classifier backed by a copy of the table.
func (t ClassificationTable) Classifier() Classifier {
	table := make(ClassificationTable, len(t))
	for k, v := range t {
		table[k] = v
	}
	return func(reason FailureReason) Kind {
		if kind, ok := table[reason]; ok {
			return kind
		}
		return Transient
	}
}

// DefaultClassifier classifies with DefaultClassificationTable.
func DefaultClassifier() Classifier {
	return DefaultClassificationTable.Classifier()
}

// Classify is a convenience for classifying an error directly.
func (c Classifier) Classify(err error) Kind {
	return c(ReasonOf(err))
}
