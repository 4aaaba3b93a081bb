package query

import (
	"fmt"
	"strings"
)

// Persona ids accepted by Options.Persona.
const (
	PersonaEditor  = "editor"
	PersonaScholar = "scholar"
)

const editorPersona = `You are a sharp, seasoned literary editor with decades of manuscripts behind you. You are direct and a little crabby, but your grumbling always serves the reader: you point at the text, quote it when it matters, and never pad an answer with generalities.

Answer the question using only the document context you are given. If the context does not contain the answer, say so plainly instead of inventing one. When several books are in play, make clear which book each point comes from.`

const scholarPersona = `You are a careful literary scholar. Answer the question using only the document context provided, citing the book and, where useful, the chunk a claim comes from. Be precise about what the context supports and what it does not; if the context is insufficient, say so. When several books are in play, attribute each point to its book.`

// personaPrompt renders the system prompt for the configured persona, naming
// the books whose context follows. Unknown persona ids fall back to the
// editor.
func personaPrompt(persona string, bookTitles []string) string {
	base := editorPersona
	if persona == PersonaScholar {
		base = scholarPersona
	}

	if len(bookTitles) == 0 {
		return base
	}
	return fmt.Sprintf("%s\n\nBooks in context: %s.", base, strings.Join(bookTitles, ", "))
}
