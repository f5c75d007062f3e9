// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the client-side state machine: mode switching,
// debouncing, the run sequence (extract, gate, stream), cancellation, and
// the retry/backoff UX.
//
// The controller is a single event loop. Commands go in through methods,
// events come out on Events(); every timer, stream message, and state change
// is serialized through that loop, so there is exactly one live run per
// session by construction: starting run N+1 always cancels run N first.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/jeranaias/pagebrief/internal/content"
	"github.com/jeranaias/pagebrief/internal/ratelimit"
	"github.com/jeranaias/pagebrief/internal/relay"
)

const (
	// DebounceDelay collapses rapid mode toggling into one run.
	DebounceDelay = 500 * time.Millisecond

	// CountdownTick is the auto-retry countdown refresh interval (10 Hz).
	CountdownTick = 100 * time.Millisecond
)

// Gate is the local pre-gate. *ratelimit.Limiter satisfies it. The relay
// gates again as the authoritative owner; the local check only exists so a
// throttled user sees the countdown without a round trip.
type Gate interface {
	CanMakeRequest(ctx context.Context) ratelimit.Decision
}

// Stream is the consumer end of a relay channel. *relay.Channel satisfies it.
type Stream interface {
	Messages() <-chan relay.Message
	Close()
}

// Opener opens one relay channel per run.
type Opener interface {
	Open(ctx context.Context, req relay.Request) (Stream, error)
}

// ChannelOpener is the production Opener, dialing the relay daemon.
type ChannelOpener struct {
	BaseURL string
}

// Open implements Opener.
func (o ChannelOpener) Open(ctx context.Context, req relay.Request) (Stream, error) {
	ch, err := relay.Open(ctx, o.BaseURL, req)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Config wires a Controller. Everything is injected; the controller reaches
// for no globals.
type Config struct {
	Provider   content.Provider
	Gate       Gate
	Opener     Opener
	Credential func(ctx context.Context) (string, bool)

	// Target is the page under discussion.
	Target string

	// Debounce and Tick default to DebounceDelay and CountdownTick.
	// Tests shorten them.
	Debounce time.Duration
	Tick     time.Duration
}

// =============================================================================
// CONTROLLER
// =============================================================================

// command is one user action posted into the loop.
type command struct {
	kind     cmdKind
	mode     Mode
	question string
}

type cmdKind int

const (
	cmdSelectMode cmdKind = iota
	cmdSubmitQuery
	cmdRetry
	cmdCancelView
	cmdShutdown
)

// runMsg is what a run goroutine reports back to the loop.
type runMsg struct {
	kind    runMsgKind
	status  Status
	fatal   *FatalEvent
	denied  *ratelimit.Decision
	openErr error
	msg     *relay.Message
}

type runMsgKind int

const (
	runStatus runMsgKind = iota
	runFatal
	runDenied
	runOpenErr
	runRelayMsg
)

// run is one invocation's loop-side state.
type run struct {
	mode        Mode
	question    string
	cancel      context.CancelFunc
	msgs        chan runMsg
	accumulated strings.Builder
	settled     bool
}

// Controller drives one session. Construct with New, consume Events, then
// Shutdown.
type Controller struct {
	cfg    Config
	cmds   chan command
	events chan Event
}

// New creates and starts a controller.
func New(cfg Config) *Controller {
	if cfg.Debounce == 0 {
		cfg.Debounce = DebounceDelay
	}
	if cfg.Tick == 0 {
		cfg.Tick = CountdownTick
	}

	c := &Controller{
		cfg:    cfg,
		cmds:   make(chan command, 8),
		events: make(chan Event, 64),
	}
	go c.loop()
	return c
}

// Events returns the ordered event stream. Closed after Shutdown.
func (c *Controller) Events() <-chan Event { return c.events }

// SelectMode switches the displayed mode. brief/explain schedule a
// debounced run; query waits for SubmitQuery.
func (c *Controller) SelectMode(mode Mode) { c.post(command{kind: cmdSelectMode, mode: mode}) }

// SubmitQuery runs query mode with a question. Empty questions are ignored.
func (c *Controller) SubmitQuery(question string) {
	if strings.TrimSpace(question) == "" {
		return
	}
	c.post(command{kind: cmdSubmitQuery, question: question})
}

// Retry re-invokes the last run immediately.
func (c *Controller) Retry() { c.post(command{kind: cmdRetry}) }

// CancelView cancels any live run, debounce, and countdown.
func (c *Controller) CancelView() { c.post(command{kind: cmdCancelView}) }

// Shutdown stops the controller and closes Events.
func (c *Controller) Shutdown() { c.post(command{kind: cmdShutdown}) }

// post never blocks: if the loop has exited, commands are dropped.
func (c *Controller) post(cmd command) {
	select {
	case c.cmds <- cmd:
	default:
	}
}

// =============================================================================
// EVENT LOOP
// =============================================================================

// loopState is everything the loop owns. Nothing in here is touched outside
// the loop goroutine.
type loopState struct {
	mode     Mode
	question string
	current  *run

	debounce *time.Timer

	countdown     *time.Ticker
	countdownEnds time.Time

	lastMode     Mode
	lastQuestion string
}

func (c *Controller) loop() {
	defer close(c.events)

	st := &loopState{mode: ModeBrief}
	never := make(chan time.Time) // stand-in for inactive timers

	for {
		var debounceC <-chan time.Time = never
		if st.debounce != nil {
			debounceC = st.debounce.C
		}
		var tickC <-chan time.Time = never
		if st.countdown != nil {
			tickC = st.countdown.C
		}
		var msgsC chan runMsg
		if st.current != nil {
			msgsC = st.current.msgs
		}

		select {
		case cmd := <-c.cmds:
			if cmd.kind == cmdShutdown {
				c.teardown(st)
				return
			}
			c.handleCommand(st, cmd)

		case <-debounceC:
			st.debounce = nil
			c.startRun(st, st.mode, "")

		case <-tickC:
			c.handleTick(st)

		case m, ok := <-msgsC:
			if !ok {
				// Run goroutine finished; terminal was already handled
				// (or the run was cancelled).
				st.current.msgs = nil
				if st.current.settled {
					st.current = nil
				}
				continue
			}
			c.handleRunMsg(st, m)
		}
	}
}

// emit delivers ev without ever blocking the loop. Render-only events (text,
// countdown ticks) are dropped when the consumer lags; every other event
// evicts the oldest queued one instead, so a terminal outcome is never lost
// behind a full buffer.
func (c *Controller) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}

		switch ev.(type) {
		case TextEvent, CountdownTickEvent:
			// Idempotent renders; the next one carries the same state.
			return
		}

		select {
		case <-c.events:
		default:
		}
	}
}

func (c *Controller) handleCommand(st *loopState, cmd command) {
	switch cmd.kind {
	case cmdSelectMode:
		c.stopDebounce(st)
		c.stopCountdown(st)
		c.cancelRun(st)

		st.mode = cmd.mode
		c.emit(ModeChangedEvent{Mode: cmd.mode})

		if cmd.mode == ModeQuery {
			// Query never auto-runs; it waits for a submitted question.
			return
		}
		st.debounce = time.NewTimer(c.cfg.Debounce)

	case cmdSubmitQuery:
		c.stopDebounce(st)
		c.stopCountdown(st)
		st.mode = ModeQuery
		c.startRun(st, ModeQuery, cmd.question)

	case cmdRetry:
		c.stopDebounce(st)
		c.stopCountdown(st)
		if st.lastMode == "" {
			return
		}
		c.startRun(st, st.lastMode, st.lastQuestion)

	case cmdCancelView:
		c.stopDebounce(st)
		c.stopCountdown(st)
		c.cancelRun(st)
		c.emit(StatusEvent{Status: StatusIdle})
	}
}

func (c *Controller) handleTick(st *loopState) {
	remaining := time.Until(st.countdownEnds)
	if remaining > 0 {
		c.emit(CountdownTickEvent{Remaining: remaining})
		return
	}
	c.stopCountdown(st)
	c.emit(CountdownTickEvent{Remaining: 0})
	c.startRun(st, st.lastMode, st.lastQuestion)
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

// startRun begins a new invocation. Any live run is cancelled first; that
// is the at-most-one-run invariant, not an optimization.
func (c *Controller) startRun(st *loopState, mode Mode, question string) {
	c.cancelRun(st)

	st.lastMode = mode
	st.lastQuestion = question

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		mode:     mode,
		question: question,
		cancel:   cancel,
		msgs:     make(chan runMsg, 16),
	}
	st.current = r

	go c.execute(ctx, r)
}

// cancelRun tears down the live run: context first (aborts extraction or the
// open channel), then stop reading its messages.
func (c *Controller) cancelRun(st *loopState) {
	if st.current == nil {
		return
	}
	st.current.cancel()
	st.current = nil
}

func (c *Controller) stopDebounce(st *loopState) {
	if st.debounce != nil {
		st.debounce.Stop()
		st.debounce = nil
	}
}

func (c *Controller) stopCountdown(st *loopState) {
	if st.countdown != nil {
		st.countdown.Stop()
		st.countdown = nil
	}
}

func (c *Controller) teardown(st *loopState) {
	c.stopDebounce(st)
	c.stopCountdown(st)
	c.cancelRun(st)
}

// execute is the run goroutine: extract, gate, open the channel, forward
// messages. It only reports; the loop decides.
func (c *Controller) execute(ctx context.Context, r *run) {
	defer close(r.msgs)

	send := func(m runMsg) bool {
		select {
		case r.msgs <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Credential first: without one, no extraction and no network at all.
	credential, ok := c.cfg.Credential(ctx)
	if !ok || credential == "" {
		send(runMsg{kind: runFatal, fatal: &FatalEvent{
			Kind:    FatalSetup,
			Message: "No API key is configured yet. Run pagebrief --set-key to finish setup.",
		}})
		return
	}

	if !send(runMsg{kind: runStatus, status: StatusExtracting}) {
		return
	}
	page, err := c.cfg.Provider.Extract(ctx, c.cfg.Target)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		send(runMsg{kind: runFatal, fatal: &FatalEvent{
			Kind:    FatalExtraction,
			Message: "Couldn't extract content from this page.",
		}})
		return
	}

	if !send(runMsg{kind: runStatus, status: StatusGating}) {
		return
	}
	if d := c.cfg.Gate.CanMakeRequest(ctx); !d.Allowed {
		send(runMsg{kind: runDenied, denied: &d})
		return
	}

	stream, err := c.cfg.Opener.Open(ctx, relay.Request{
		Credential:   credential,
		Prompt:       buildPrompt(r.mode, page, r.question),
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		send(runMsg{kind: runOpenErr, openErr: err})
		return
	}
	defer stream.Close()

	if !send(runMsg{kind: runStatus, status: StatusStreaming}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.Messages():
			if !ok {
				return
			}
			if !send(runMsg{kind: runRelayMsg, msg: &msg}) {
				return
			}
			if msg.Type == relay.TypeDone || msg.Type == relay.TypeError {
				return
			}
		}
	}
}

// =============================================================================
// RUN MESSAGE HANDLING
// =============================================================================

func (c *Controller) handleRunMsg(st *loopState, m runMsg) {
	r := st.current

	switch m.kind {
	case runStatus:
		c.emit(StatusEvent{Status: m.status})

	case runFatal:
		r.settled = true
		c.emit(StatusEvent{Status: StatusSettled})
		c.emit(*m.fatal)

	case runDenied:
		r.settled = true
		c.emit(StatusEvent{Status: StatusSettled})
		wait := ratelimit.FormatTimeRemaining(m.denied.Remaining)
		c.startCountdown(st, m.denied.Remaining)
		c.emit(RetryableEvent{
			Message:   "Too many requests. Retrying in " + wait + ".",
			Countdown: m.denied.Remaining,
		})

	case runOpenErr:
		r.settled = true
		c.emit(StatusEvent{Status: StatusSettled})
		c.emit(RetryableEvent{Message: "Couldn't reach the relay. Check that pagebriefd is running."})

	case runRelayMsg:
		c.handleRelayMessage(st, r, m.msg)
	}
}

func (c *Controller) handleRelayMessage(st *loopState, r *run, msg *relay.Message) {
	switch msg.Type {
	case relay.TypeChunk:
		r.accumulated.WriteString(msg.Text)
		c.emit(TextEvent{Text: r.accumulated.String()})

	case relay.TypeDone:
		r.settled = true
		c.emit(StatusEvent{Status: StatusSettled})
		c.emit(SettledOkEvent{Text: r.accumulated.String()})

	case relay.TypeError:
		r.settled = true
		c.emit(StatusEvent{Status: StatusSettled})
		c.settleError(st, r, relay.ClassifyError(msg.Error))
	}
}

func (c *Controller) settleError(st *loopState, r *run, cls relay.Classified) {
	switch cls.Kind {
	case relay.KindInvalidKey:
		c.emit(FatalEvent{
			Kind:    FatalCredential,
			Message: "The API rejected your key. Update it with pagebrief --set-key.",
		})

	case relay.KindThrottled:
		wait := ratelimit.FormatTimeRemaining(cls.Remaining)
		c.startCountdown(st, cls.Remaining)
		message := cls.Message
		if message == "" {
			message = "Rate limited."
		}
		c.emit(RetryableEvent{
			Message:   message + " Retrying in " + wait + ".",
			Countdown: cls.Remaining,
		})

	case relay.KindChannelLost:
		// Partial output is a best-effort result, not an error; only a
		// stream that died before any text counts as a failure.
		if r.accumulated.Len() > 0 {
			c.emit(SettledOkEvent{Text: r.accumulated.String()})
			return
		}
		c.emit(RetryableEvent{Message: "Lost the connection before any text arrived."})

	case relay.KindNetwork:
		c.emit(RetryableEvent{Message: "Network problem: " + cls.Message})

	default:
		c.emit(RetryableEvent{Message: cls.Message})
	}
}

func (c *Controller) startCountdown(st *loopState, remaining time.Duration) {
	c.stopCountdown(st)
	st.countdownEnds = time.Now().Add(remaining)
	st.countdown = time.NewTicker(c.cfg.Tick)
}
