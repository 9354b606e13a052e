package canvas

// TextEditor is the in-place description edit buffer with an explicit
// cursor. It operates on runes so multi-byte text navigates correctly.
type TextEditor struct {
	runes  []rune
	cursor int
}

// NewTextEditor creates an editor seeded with text, cursor at the end.
func NewTextEditor(text string) *TextEditor {
	r := []rune(text)
	return &TextEditor{runes: r, cursor: len(r)}
}

// Text returns the current buffer contents.
func (e *TextEditor) Text() string {
	return string(e.runes)
}

// Cursor returns the cursor position in runes from the start.
func (e *TextEditor) Cursor() int {
	return e.cursor
}

// Insert places a rune at the cursor and advances it.
func (e *TextEditor) Insert(r rune) {
	e.runes = append(e.runes[:e.cursor], append([]rune{r}, e.runes[e.cursor:]...)...)
	e.cursor++
}

// Backspace deletes the rune before the cursor.
func (e *TextEditor) Backspace() {
	if e.cursor == 0 {
		return
	}
	e.runes = append(e.runes[:e.cursor-1], e.runes[e.cursor:]...)
	e.cursor--
}

// Delete removes the rune under the cursor.
func (e *TextEditor) Delete() {
	if e.cursor >= len(e.runes) {
		return
	}
	e.runes = append(e.runes[:e.cursor], e.runes[e.cursor+1:]...)
}

// Left moves the cursor one rune left.
func (e *TextEditor) Left() {
	if e.cursor > 0 {
		e.cursor--
	}
}

// Right moves the cursor one rune right.
func (e *TextEditor) Right() {
	if e.cursor < len(e.runes) {
		e.cursor++
	}
}

// Home moves the cursor to the start of the buffer.
func (e *TextEditor) Home() {
	e.cursor = 0
}

// End moves the cursor past the last rune.
func (e *TextEditor) End() {
	e.cursor = len(e.runes)
}
