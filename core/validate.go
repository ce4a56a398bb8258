package core

// ValidateEvents makes sure an incoming append batch is coherent before
// it is stamped and committed: every event must belong to the given
// aggregate, carry at most one aggregate type across the batch and name
// an event type. The whole batch is rejected on the first violation.
func ValidateEvents(aggregateID string, events []Event) error {
	if aggregateID == "" {
		return ErrEmptyID
	}
	var aggregateType string
	for _, event := range events {
		if event.AggregateID != "" && event.AggregateID != aggregateID {
			return ErrEventMultipleAggregates
		}
		if event.AggregateType != "" {
			if aggregateType == "" {
				aggregateType = event.AggregateType
			} else if event.AggregateType != aggregateType {
				return ErrEventMultipleAggregateTypes
			}
		}
		if event.EventType == "" {
			return ErrEventTypeMissing
		}
	}
	return nil
}
