package outbox

import (
	"fmt"
	"strings"
)

// traceCap is the per-category line limit in the technical trace; the
// remainder collapses into a "+N more" suffix.
const traceCap = 4

// ReplyMeta is the metadata rendered into the assistant-reply footer.
type ReplyMeta struct {
	TokensUsed     int
	ContextPercent int
	Model          string
	Effort         string
	Agent          string
}

// Trace is the structured technical trace appended to assistant replies.
type Trace struct {
	ToolCalls   []string
	PatchFiles  []string
	FileChanges []string
	Commands    []string
	Subtasks    []string
}

func (t Trace) empty() bool {
	return len(t.ToolCalls) == 0 && len(t.PatchFiles) == 0 &&
		len(t.FileChanges) == 0 && len(t.Commands) == 0 && len(t.Subtasks) == 0
}

// Delivery is the formatting policy layer over the store: chunking,
// footer composition and control-signal coalescing.
type Delivery struct {
	store     *Store
	chunkSize int
}

// NewDelivery wraps a store. A non-positive chunkSize falls back to
// DefaultChunkSize.
func NewDelivery(store *Store, chunkSize int) *Delivery {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Delivery{store: store, chunkSize: chunkSize}
}

// Footer renders the single-line metadata footer.
func Footer(meta ReplyMeta) string {
	parts := []string{fmt.Sprintf("%d tok (%d%%)", meta.TokensUsed, meta.ContextPercent)}
	if meta.Model != "" {
		parts = append(parts, meta.Model)
	}
	if meta.Effort != "" {
		parts = append(parts, meta.Effort)
	}
	if meta.Agent != "" {
		parts = append(parts, meta.Agent)
	}
	return "⚙ " + strings.Join(parts, " · ")
}

func traceSection(out *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	out.WriteString("\n" + title + ":")
	shown := lines
	if len(shown) > traceCap {
		shown = shown[:traceCap]
	}
	for _, l := range shown {
		out.WriteString("\n  " + l)
	}
	if extra := len(lines) - len(shown); extra > 0 {
		out.WriteString(fmt.Sprintf("\n  +%d more", extra))
	}
}

func renderTrace(t Trace) string {
	if t.empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("—")
	traceSection(&b, "Tools", t.ToolCalls)
	traceSection(&b, "Patches", t.PatchFiles)
	traceSection(&b, "Files", t.FileChanges)
	traceSection(&b, "Commands", t.Commands)
	traceSection(&b, "Subtasks", t.Subtasks)
	return b.String()
}

// SendReply enqueues an assistant reply: a stop-thinking control first so
// the indicator never outlives the answer, then the body plus trace
// chunked to the transport size with the metadata footer in the final
// chunk. Only the final chunk is non-silent.
func (d *Delivery) SendReply(ownerID, destinationID, body string, meta ReplyMeta, trace Trace) ([]Item, error) {
	if err := d.SendControl(ownerID, destinationID, ControlTypingOff); err != nil {
		return nil, err
	}

	full := body
	if tr := renderTrace(trace); tr != "" {
		full = strings.TrimRight(full, "\n") + "\n\n" + tr
	}
	chunks := Chunk(full, Footer(meta), d.chunkSize)

	items := make([]Item, 0, len(chunks))
	for i, c := range chunks {
		it, err := d.store.Enqueue(ownerID, destinationID, c, Options{
			RenderHint: "markdown",
			Silent:     i < len(chunks)-1,
		})
		if err != nil {
			return items, err
		}
		items = append(items, it)
	}
	return items, nil
}

// SendNotice enqueues a silent notification, chunked if oversized.
func (d *Delivery) SendNotice(ownerID, destinationID, text string, keyboard [][]Button) ([]Item, error) {
	chunks := Chunk(text, "", d.chunkSize)
	items := make([]Item, 0, len(chunks))
	for i, c := range chunks {
		opts := Options{Silent: true}
		if i == len(chunks)-1 {
			opts.Keyboard = keyboard
		}
		it, err := d.store.Enqueue(ownerID, destinationID, c, opts)
		if err != nil {
			return items, err
		}
		items = append(items, it)
	}
	return items, nil
}

// SendProgress enqueues a replace-mode progress message: a later item
// with the same replace key edits the previously sent message in place.
func (d *Delivery) SendProgress(ownerID, destinationID, text, replaceKey string, keyboard [][]Button) (Item, error) {
	return d.store.Enqueue(ownerID, destinationID, text, Options{
		Silent:     true,
		Mode:       ModeReplace,
		ReplaceKey: replaceKey,
		Keyboard:   keyboard,
	})
}

// SendControl enqueues a control signal unless an identical one is
// already pending for the destination.
func (d *Delivery) SendControl(ownerID, destinationID, control string) error {
	if d.store.HasPendingControl(ownerID, destinationID, control) {
		return nil
	}
	_, err := d.store.Enqueue(ownerID, destinationID, "", Options{
		Silent:  true,
		Control: control,
	})
	return err
}
