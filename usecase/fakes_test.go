package usecase

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

// fakeLlm plays both the inference and the moderation endpoint.
type fakeLlm struct {
	mu sync.Mutex

	fragments []string
	streamErr error // returned by Stream itself
	failAt    int   // fragment index whose Next fails; -1 disables
	nextErr   error

	// verdicts are returned by Generate in order; the last one repeats.
	verdicts    []string
	generateErr error

	streamCalls    int
	generateCalls  int
	lastRequest    domain.InferenceRequest
	moderationLogs []string
	stream         *fakeStream
}

func newFakeLlm(fragments ...string) *fakeLlm {
	return &fakeLlm{fragments: fragments, failAt: -1, verdicts: []string{"safe"}}
}

func (f *fakeLlm) Generate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.generateCalls
	f.generateCalls++
	f.moderationLogs = append(f.moderationLogs, prompt)
	if f.generateErr != nil {
		return "", f.generateErr
	}
	if idx >= len(f.verdicts) {
		idx = len(f.verdicts) - 1
	}
	return f.verdicts[idx], nil
}

func (f *fakeLlm) Stream(ctx context.Context, req domain.InferenceRequest) (domain.TokenStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls++
	f.lastRequest = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.stream = &fakeStream{fragments: f.fragments, failAt: f.failAt, err: f.nextErr}
	return f.stream, nil
}

type fakeStream struct {
	fragments []string
	pos       int
	failAt    int
	err       error
	closed    bool
	pulled    int
}

func (s *fakeStream) Next() (string, error) {
	if s.closed {
		return "", errors.New("stream closed")
	}
	if s.failAt >= 0 && s.pos == s.failAt {
		return "", s.err
	}
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	f := s.fragments[s.pos]
	s.pos++
	s.pulled++
	return f, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fixedTokenizer reports a constant count regardless of input.
type fixedTokenizer struct {
	count int
	calls int
}

func (t *fixedTokenizer) CountTokens(string) int {
	t.calls++
	return t.count
}

// wordTokenizer counts whitespace separated words.
type wordTokenizer struct{}

func (wordTokenizer) CountTokens(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.ChatEvent
	failOn domain.EventType
}

func (r *recordingSink) sink(ctx context.Context, event domain.ChatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.failOn != "" && event.Type == r.failOn {
		return errors.New("client went away")
	}
	return nil
}

func (r *recordingSink) fragments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == domain.EventFragment {
			out = append(out, e.Fragment)
		}
	}
	return out
}

func (r *recordingSink) last() domain.ChatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type countingMetrics struct {
	turns     map[string]int
	verdicts  map[string]int
	fragments int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{turns: map[string]int{}, verdicts: map[string]int{}}
}

func (m *countingMetrics) ObserveTurn(outcome string) { m.turns[outcome]++ }
func (m *countingMetrics) ObserveVerdict(phase string, safe bool) {
	if safe {
		m.verdicts[phase+":safe"]++
	} else {
		m.verdicts[phase+":unsafe"]++
	}
}
func (m *countingMetrics) ObserveFragment()        { m.fragments++ }
func (m *countingMetrics) ObservePromptTokens(int) {}
