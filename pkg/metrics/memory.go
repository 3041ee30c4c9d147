package metrics

import "sync"

type Sample struct {
	Name       string
	WorkflowID string
	Value      float64
}

// InMemorySink keeps every sample it receives. Reset clears it between tests.
type InMemorySink struct {
	mu      sync.Mutex
	samples []Sample
}

func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) Record(name string, workflowID string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, Sample{Name: name, WorkflowID: workflowID, Value: value})
}

// Samples returns the recorded samples for name and workflowID in arrival order.
func (s *InMemorySink) Samples(name string, workflowID string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Sample
	for _, sample := range s.samples {
		if sample.Name == name && sample.WorkflowID == workflowID {
			matched = append(matched, sample)
		}
	}

	return matched
}

func (s *InMemorySink) Sum(name string, workflowID string) float64 {
	var total float64
	for _, sample := range s.Samples(name, workflowID) {
		total += sample.Value
	}

	return total
}

func (s *InMemorySink) Count(name string, workflowID string) int {
	return len(s.Samples(name, workflowID))
}

func (s *InMemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = nil
}
