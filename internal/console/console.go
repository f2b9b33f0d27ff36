// Package console is a line-oriented chat adapter. It reads events as JSON
// lines, one object per line:
//
//	{"type":"join","community":"guild","participant":"alice","name":"Alice"}
//	{"type":"submit","community":"guild","participant":"alice","text":"Warmup:FLAG{x}","scoped":true}
//	{"type":"submit","participant":"alice","text":"Warmup:FLAG{x}#guild"}
//	{"type":"reload","community":"guild"}
//
// and writes every outgoing feed.Message as a JSON line.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/ctfboard/internal/engine"
	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/roster"
)

// Line is the wire form of one input event.
type Line struct {
	Type        string `json:"type"`
	Community   string `json:"community,omitempty"`
	Participant string `json:"participant,omitempty"`
	Name        string `json:"name,omitempty"`
	Bot         bool   `json:"bot,omitempty"`
	Text        string `json:"text,omitempty"`
	Scoped      bool   `json:"scoped,omitempty"`
}

// Event converts the line to an engine event.
func (l Line) Event() (engine.Event, error) {
	typ, err := engine.ParseEventType(l.Type)
	if err != nil {
		return engine.Event{}, err
	}
	ev := engine.Event{Type: typ, CommunityID: l.Community}
	switch typ {
	case engine.EventJoin, engine.EventLeave:
		ev.Member = roster.Member{ID: roster.ParticipantID(l.Participant), DisplayName: l.Name, Bot: l.Bot}
	case engine.EventSubmit:
		ev.Participant = roster.ParticipantID(l.Participant)
		ev.Text = l.Text
		ev.Scoped = l.Scoped
	}
	return ev, nil
}

// Decode parses one JSON line.
func Decode(data []byte) (engine.Event, error) {
	var l Line
	if err := json.Unmarshal(data, &l); err != nil {
		return engine.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return l.Event()
}

// Enqueuer accepts events. *engine.Engine implements it.
type Enqueuer interface {
	Enqueue(ev engine.Event) bool
}

// Source reads events from r.
type Source struct {
	r      io.Reader
	logger *slog.Logger
}

// NewSource returns a source reading r.
func NewSource(r io.Reader, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{r: r, logger: logger}
}

// Run enqueues every decodable line until EOF, ctx cancellation or the
// engine stops. Malformed lines are logged and skipped. It returns nil at
// EOF.
func (s *Source) Run(ctx context.Context, e Enqueuer) error {
	scanner := bufio.NewScanner(s.r)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ev, err := Decode([]byte(text))
		if err != nil {
			s.logger.Warn("skipping input line", "line", lineNo, "error", err)
			continue
		}
		if !e.Enqueue(ev) {
			return engine.ErrStopped
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

// Sink writes messages to w as JSON lines.
type Sink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewSink returns a sink writing to w.
func NewSink(w io.Writer) *Sink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Sink{enc: enc}
}

// Send implements feed.Sink.
func (s *Sink) Send(_ context.Context, m feed.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(m)
}
