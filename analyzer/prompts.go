package analyzer

import "fmt"

const summarySystemPrompt = "You are a literary analyst creating comprehensive book summaries. Be thorough and detailed."

const characterSystemPrompt = "You are a literary analyst producing structured character rosters. Return only valid JSON."

const plotSystemPrompt = "You are a literary analyst specializing in plot and conflict analysis. Be thorough and insightful."

func summaryPrompt(title, excerpt string) string {
	return fmt.Sprintf(`Based on the following extensive excerpts from the book %q, create a comprehensive summary covering:

1. Plot overview: the complete story arc, major events, and narrative structure
2. Main and supporting characters and their roles
3. Setting: time period, locations, atmosphere
4. Major themes, motifs, and symbols
5. Key conflicts, their development, and resolution
6. Story structure: beginning, middle, end, turning points, and climax

Book content:
%s

Provide a detailed summary thorough enough to serve as a standing reference for literary analysis of this book.`, title, excerpt)
}

func characterPrompt(excerpt string) string {
	return fmt.Sprintf(`From the following book excerpts, identify every significant character.

Return ONLY valid JSON with this exact structure:
{
  "characters": [
    {
      "name": "Character Name",
      "traits": ["trait", "trait"],
      "arc": "one or two sentences on how the character changes",
      "relationships": ["relationship to another character", "..."]
    }
  ]
}

List main characters first. Include supporting characters that recur. Use the name the text most commonly uses for each character.

Book content:
%s

Return ONLY the JSON, no other text.`, excerpt)
}

func plotPrompt(excerpt string) string {
	return fmt.Sprintf(`Based on the following book excerpts, provide a plot and conflict analysis covering:

1. Plot structure: beginning, middle, end, turning points, pacing
2. Main conflicts: how each develops, whether it resolves, and its impact
3. Key events and their cause-and-effect relationships
4. Themes and motifs as expressed through the plot
5. Resolution: character outcomes and open questions

Content:
%s

Provide a detailed analysis of the plot structure, conflicts, and themes.`, excerpt)
}
