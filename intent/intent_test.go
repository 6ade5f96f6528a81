package intent

import "testing"

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		query string
		want  Intent
	}{
		{"hello", IntentGreeting},
		{"hey there, how are you", IntentGreeting},
		{"write a function to reverse a linked list", IntentCode},
		{"debug this stack trace for me", IntentCode},
		{"what is the capital of France", IntentFactual},
		{"compare Raft and Paxos", IntentResearch},
		{"summarize this article", IntentExtraction},
		{"tell me something interesting", IntentConversational},
	}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			got, _ := c.Classify(tc.query)
			if got != tc.want {
				t.Fatalf("Classify(%q) = %s, want %s", tc.query, got, tc.want)
			}
		})
	}
}

func TestComplexityBounds(t *testing.T) {
	c := NewClassifier()

	queries := []string{
		"hi",
		"compare the trade-offs between eventual and strong consistency in depth, step by step, with a detailed comprehensive survey of the literature and multiple examples from production systems",
		"what is DNS",
	}
	for _, q := range queries {
		_, complexity := c.Classify(q)
		if complexity < 0 || complexity > 1 {
			t.Fatalf("complexity out of bounds for %q: %f", q, complexity)
		}
	}
}

func TestGreetingIsSimple(t *testing.T) {
	c := NewClassifier()
	in, complexity := c.Classify("hello")
	if in != IntentGreeting {
		t.Fatalf("intent = %s", in)
	}
	if complexity > 0.1 {
		t.Fatalf("greeting complexity = %f, want ≤ 0.1", complexity)
	}
}

func TestResearchIsComplex(t *testing.T) {
	c := NewClassifier()
	_, complexity := c.Classify("compare Raft and Paxos consensus protocols in depth with detailed analysis")
	if complexity <= 0.7 {
		t.Fatalf("deep comparison complexity = %f, want > 0.7", complexity)
	}
}

func TestTaskTypeMapping(t *testing.T) {
	tests := map[Intent]string{
		IntentGreeting:       "conversational",
		IntentCode:           "code",
		IntentFactual:        "factual",
		IntentResearch:       "research",
		IntentConversational: "conversational",
		IntentExtraction:     "conversational",
	}
	for in, want := range tests {
		if got := in.TaskType(); got != want {
			t.Fatalf("TaskType(%s) = %s, want %s", in, got, want)
		}
	}
}
