// Package ivrsim hosts a simulated pharmacy phone menu behind the Twilio
// voice webhook convention. It exists so sessions can be exercised end to end
// without dialing a live line: mount the Simulator on an HTTP server and point
// the webhook client at it. Call state is tracked per CallSid.
package ivrsim

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/twilio/twilio-go/twiml"
)

// rxNumberLength is how many digits a prescription number carries.
const rxNumberLength = 7

// defaultReadyRx is the prescription the simulated pharmacy reports as ready
// for pickup. Any other number is reported as still being processed.
const defaultReadyRx = "7603142"

// holdLegLimit is how many legs a caller waits in the pharmacist queue before
// the menu takes them back.
const holdLegLimit = 3

const (
	promptWelcome    = "Welcome to Maple Pharmacy."
	promptMenuReturn = "Main menu."
	promptMenuBody   = "Press 1 to refill a prescription, press 2 to check order status, " +
		"press 3 to speak with a pharmacist, press 4 for pharmacy hours, " +
		"press 5 for store location, or press 8 to end the call."
	promptRefillEntry = "To refill a prescription, please enter your prescription number."
	promptStatusEntry = "To check your order status, please enter your prescription number."
	promptReenter     = "Please re-enter your prescription number."
	promptConfirmKeys = "Press 1 to confirm, press 2 to re-enter, or press 9 for the main menu."
	promptScheduled   = "Your refill has been scheduled for pickup tomorrow after 10 AM."
	promptProcessing  = "Your order is being processed. Please check back in one business day."
	promptLeafKeys    = "Press 9 to return to the main menu, or press 8 to end the call."
	promptHoursToday  = "Today we are open from 9 AM to 6 PM."
	promptHoursKeys   = "Press 1 for our full weekly hours, or press 9 for the main menu."
	promptHoursWeekly = "We are open Monday through Friday from 9 AM to 6 PM, " +
		"Saturday from 10 AM to 4 PM, and we are closed on Sunday."
	promptReturning    = "Returning to the main menu."
	promptStoreInfo    = "Our pharmacy is located at 200 Maple Avenue, Springfield."
	promptStoreParking = "Free parking is available in the rear lot."
	promptStoreKeys    = "Press 9 to return to the main menu."
	promptTransfer     = "Please hold while we transfer you to a pharmacist."
	promptHold         = "Please hold. A pharmacist will be with you shortly."
	promptHoldGiveUp   = "All of our pharmacists are helping other customers."
	promptGoodbye      = "Thank you for calling Maple Pharmacy. Goodbye!"
	promptInvalid      = "I'm sorry, that is not a valid option."
)

// node identifies a position in the simulated menu tree.
type node int

const (
	nodeMenu node = iota
	nodeRefillEntry
	nodeStatusEntry
	nodeConfirm
	nodeScheduled
	nodeStatusResult
	nodeHours
	nodeStore
	nodeHold
)

var nodeNames = [...]string{
	"menu", "refill_entry", "status_entry", "confirm",
	"scheduled", "status_result", "hours", "store", "hold",
}

func (n node) String() string {
	if int(n) < len(nodeNames) {
		return nodeNames[n]
	}
	return fmt.Sprintf("node(%d)", int(n))
}

// call is the per-CallSid state of one open call.
type call struct {
	node     node
	entry    node // which entry flow a confirm belongs to
	buffer   string
	rx       string
	holdLegs int
	pending  []string // prompt deferred until the caller waits out a silent leg
}

// Opts holds configuration options for the simulator.
type Opts struct {
	// GatherAction is the action URL stamped on Gather and Redirect verbs.
	GatherAction string
	// ReadyPrescription is the number reported as ready for pickup.
	ReadyPrescription string
	// BlankAfterEntry makes the simulator answer a completed prescription
	// entry with a silent leg, deferring the read-back until the caller
	// waits. Used to exercise blank-response recovery.
	BlankAfterEntry bool
}

// Option defines a configuration option for the simulator.
type Option func(*Opts)

// WithGatherAction sets the action URL stamped on Gather and Redirect verbs.
func WithGatherAction(path string) Option {
	return func(o *Opts) { o.GatherAction = path }
}

// WithReadyPrescription sets the prescription number reported as ready.
func WithReadyPrescription(rx string) Option {
	return func(o *Opts) { o.ReadyPrescription = rx }
}

// WithBlankAfterEntry defers prescription read-backs behind a silent leg.
func WithBlankAfterEntry() Option {
	return func(o *Opts) { o.BlankAfterEntry = true }
}

// Simulator is an http.Handler speaking TwiML for a small pharmacy menu.
// It is safe for concurrent use.
type Simulator struct {
	mu    sync.Mutex
	calls map[string]*call

	gatherAction    string
	readyRx         string
	blankAfterEntry bool
}

// New creates a pharmacy menu simulator.
func New(opts ...Option) *Simulator {
	cfg := Opts{
		GatherAction:      "/voice",
		ReadyPrescription: defaultReadyRx,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Simulator{
		calls:           make(map[string]*call),
		gatherAction:    cfg.GatherAction,
		readyRx:         cfg.ReadyPrescription,
		blankAfterEntry: cfg.BlankAfterEntry,
	}
}

// ActiveCalls reports how many calls are currently open.
func (s *Simulator) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// ServeHTTP handles one webhook leg.
func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	callID := r.PostForm.Get("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	status := r.PostForm.Get("CallStatus")
	digits := r.PostForm.Get("Digits")
	hasDigits := r.PostForm.Has("Digits")

	s.mu.Lock()
	defer s.mu.Unlock()

	var elements []twiml.Element
	switch status {
	case "ringing":
		c := &call{node: nodeMenu}
		s.calls[callID] = c
		elements = s.gather("1", promptWelcome, promptMenuBody)
		slog.Debug("IVR simulator call started", "callID", callID)
	case "completed":
		delete(s.calls, callID)
		slog.Debug("IVR simulator call completed", "callID", callID)
	default:
		c, ok := s.calls[callID]
		if !ok {
			http.Error(w, "unknown CallSid", http.StatusBadRequest)
			return
		}
		if hasDigits && digits != "" {
			elements = s.handleDigits(callID, c, digits)
		} else {
			elements = s.handleSilence(c)
		}
		slog.Debug("IVR simulator leg", "callID", callID, "digits", digits, "node", c.node)
	}

	doc, err := twiml.Voice(elements)
	if err != nil {
		slog.Error("IVR simulator failed to render TwiML", "callID", callID, "error", err)
		http.Error(w, "twiml rendering failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, doc)
}

// handleDigits advances the menu for a key press. Gathers are one digit wide
// except at prescription entry, where digits accumulate across legs until the
// full number has arrived.
func (s *Simulator) handleDigits(callID string, c *call, digits string) []twiml.Element {
	switch c.node {
	case nodeMenu:
		return s.menuPress(callID, c, digits[:1])
	case nodeRefillEntry, nodeStatusEntry:
		return s.entryDigits(c, digits)
	case nodeConfirm:
		switch digits[:1] {
		case "1":
			return s.confirmedRx(c)
		case "2":
			c.node = c.entry
			c.buffer = ""
			return s.gather(rxGatherWidth(c), promptReenter)
		case "9":
			return s.toMenu(c)
		default:
			return s.invalid(confirmTexts(c.rx)...)
		}
	case nodeScheduled, nodeStatusResult:
		switch digits[:1] {
		case "9":
			return s.toMenu(c)
		case "8":
			return s.goodbye(callID)
		default:
			return s.invalid(s.leafTexts(c)...)
		}
	case nodeHours:
		switch digits[:1] {
		case "1":
			return s.weeklyHours(c)
		case "9":
			return s.toMenu(c)
		default:
			return s.invalid(promptHoursToday, promptHoursKeys)
		}
	case nodeStore:
		if digits[:1] == "9" {
			return s.toMenu(c)
		}
		return s.invalid(promptStoreInfo, promptStoreParking, promptStoreKeys)
	case nodeHold:
		// Key presses do not skip the pharmacist queue.
		return s.holdLeg(c)
	}
	return s.toMenu(c)
}

// handleSilence answers a leg that arrived without key presses.
func (s *Simulator) handleSilence(c *call) []twiml.Element {
	if c.pending != nil {
		texts := c.pending
		c.pending = nil
		return s.gather("1", texts...)
	}
	switch c.node {
	case nodeMenu:
		return s.gather("1", promptMenuReturn, promptMenuBody)
	case nodeRefillEntry, nodeStatusEntry:
		if c.buffer != "" {
			// Mid-entry, keep listening for the rest of the number.
			return s.silentGather(c)
		}
		return s.gather(rxGatherWidth(c), promptReenter)
	case nodeConfirm:
		return s.gather("1", confirmTexts(c.rx)...)
	case nodeScheduled, nodeStatusResult:
		return s.gather("1", s.leafTexts(c)...)
	case nodeHours:
		return s.gather("1", promptHoursToday, promptHoursKeys)
	case nodeStore:
		return s.gather("1", promptStoreInfo, promptStoreParking, promptStoreKeys)
	case nodeHold:
		return s.holdLeg(c)
	}
	return s.toMenu(c)
}

func (s *Simulator) menuPress(callID string, c *call, key string) []twiml.Element {
	switch key {
	case "1":
		c.node, c.entry, c.buffer = nodeRefillEntry, nodeRefillEntry, ""
		return s.gather(rxGatherWidth(c), promptRefillEntry)
	case "2":
		c.node, c.entry, c.buffer = nodeStatusEntry, nodeStatusEntry, ""
		return s.gather(rxGatherWidth(c), promptStatusEntry)
	case "3":
		c.node, c.holdLegs = nodeHold, 1
		return s.gather("1", promptTransfer)
	case "4":
		c.node = nodeHours
		return s.gather("1", promptHoursToday, promptHoursKeys)
	case "5":
		c.node = nodeStore
		return s.gather("1", promptStoreInfo, promptStoreParking, promptStoreKeys)
	case "8":
		return s.goodbye(callID)
	case "9":
		return s.toMenu(c)
	default:
		return s.invalid(promptMenuReturn, promptMenuBody)
	}
}

// entryDigits accumulates prescription digits until the full number arrives,
// then moves to the read-back. Partial entries answer with silence so the
// caller keeps keying.
func (s *Simulator) entryDigits(c *call, digits string) []twiml.Element {
	for _, ch := range digits {
		if ch < '0' || ch > '9' {
			c.buffer = ""
			return s.invalid(promptReenter)
		}
	}
	c.buffer += digits
	if len(c.buffer) < rxNumberLength {
		return s.silentGather(c)
	}
	c.rx = c.buffer[:rxNumberLength]
	c.buffer = ""
	c.node = nodeConfirm
	if s.blankAfterEntry {
		c.pending = confirmTexts(c.rx)
		return s.silentGather(c)
	}
	return s.gather("1", confirmTexts(c.rx)...)
}

func (s *Simulator) confirmedRx(c *call) []twiml.Element {
	if c.entry == nodeRefillEntry {
		c.node = nodeScheduled
	} else {
		c.node = nodeStatusResult
	}
	return s.gather("1", s.leafTexts(c)...)
}

func (s *Simulator) leafTexts(c *call) []string {
	if c.node == nodeScheduled {
		return []string{promptScheduled, promptLeafKeys}
	}
	if c.rx == s.readyRx {
		return []string{"Your prescription " + c.rx + " is ready for pickup.", promptLeafKeys}
	}
	return []string{promptProcessing, promptLeafKeys}
}

// holdLeg plays the pharmacist queue. After holdLegLimit legs the queue gives
// up and the caller lands back on the menu.
func (s *Simulator) holdLeg(c *call) []twiml.Element {
	c.holdLegs++
	if c.holdLegs <= holdLegLimit {
		return []twiml.Element{&twiml.VoiceGather{
			Action:              s.gatherAction,
			Method:              "POST",
			NumDigits:           "1",
			Timeout:             "5",
			ActionOnEmptyResult: "true",
			InnerElements: []twiml.Element{
				&twiml.VoiceSay{Message: promptHold},
				&twiml.VoicePause{Length: "2"},
			},
		}}
	}
	c.node, c.holdLegs = nodeMenu, 0
	return s.gather("1", promptHoldGiveUp, promptReturning, promptMenuBody)
}

// weeklyHours plays the weekly schedule and redirects back to the menu, so
// the caller hears the menu again within the same leg.
func (s *Simulator) weeklyHours(c *call) []twiml.Element {
	c.node = nodeMenu
	return []twiml.Element{
		&twiml.VoiceSay{Message: promptHoursWeekly},
		&twiml.VoiceSay{Message: promptReturning},
		&twiml.VoiceRedirect{Url: s.gatherAction, Method: "POST"},
	}
}

func (s *Simulator) toMenu(c *call) []twiml.Element {
	c.node = nodeMenu
	return s.gather("1", promptMenuReturn, promptMenuBody)
}

func (s *Simulator) invalid(replay ...string) []twiml.Element {
	texts := append([]string{promptInvalid}, replay...)
	return s.gather("1", texts...)
}

func (s *Simulator) goodbye(callID string) []twiml.Element {
	delete(s.calls, callID)
	return []twiml.Element{
		&twiml.VoiceSay{Message: promptGoodbye},
		&twiml.VoiceHangup{},
	}
}

func (s *Simulator) gather(numDigits string, texts ...string) []twiml.Element {
	inner := make([]twiml.Element, 0, len(texts))
	for _, t := range texts {
		inner = append(inner, &twiml.VoiceSay{Message: t})
	}
	return []twiml.Element{&twiml.VoiceGather{
		Action:              s.gatherAction,
		Method:              "POST",
		NumDigits:           numDigits,
		Timeout:             "5",
		ActionOnEmptyResult: "true",
		InnerElements:       inner,
	}}
}

// silentGather keeps listening without saying anything.
func (s *Simulator) silentGather(c *call) []twiml.Element {
	return []twiml.Element{&twiml.VoiceGather{
		Action:              s.gatherAction,
		Method:              "POST",
		NumDigits:           rxGatherWidth(c),
		Timeout:             "5",
		ActionOnEmptyResult: "true",
		InnerElements:       []twiml.Element{&twiml.VoicePause{Length: "1"}},
	}}
}

func rxGatherWidth(c *call) string {
	return strconv.Itoa(rxNumberLength - len(c.buffer))
}

func confirmTexts(rx string) []string {
	return []string{"You entered " + spellDigits(rx) + ".", promptConfirmKeys}
}

// spellDigits renders "7603142" as "7, 6, 0, 3, 1, 4, 2" the way the voice
// reads a number back.
func spellDigits(digits string) string {
	parts := strings.Split(digits, "")
	return strings.Join(parts, ", ")
}
