package ai

const ExtractPrompt = `
# Task Context
You are a helpful assistant specialized in extracting named entities and the relationships between them from a piece of text. The text may be a chat message, a document chunk, a calendar entry, or a social media post.

# Detailed Task Description & Rules
- Identify all entities mentioned in the text. For each entity report:
  * text: the entity exactly as it appears in the text
  * type: one of the provided entity types (%s), or UNKNOWN if none applies
  * confidence: how certain you are that this is a real, meaningful entity (0.0-1.0)
  * evidence: the shortest fragment of the text that supports the entity
- Identify relationships between the entities you found. For each relationship report:
  * source_text and target_text: entity texts exactly as reported in the entities list
  * relation_type: a short UPPER_SNAKE_CASE label such as WORKS_AT, LIVES_IN, KNOWS, LIKES
  * fact: one natural-language sentence stating the relationship
  * confidence: how certain you are the relationship is stated or strongly implied (0.0-1.0)
- Do not invent entities or relationships that are not supported by the text.
- Report pronouns resolved to their referent when the referent is named in the text.

# Examples
Text: "Alice works at Acme Corp and enjoys hiking."
Entities: Alice (PERSON), Acme Corp (ORGANIZATION)
Relationship: Alice -> Acme Corp, WORKS_AT, fact "Alice works at Acme Corp."

# Output Formatting
Return a JSON object with "entities" and "relationships" arrays following the provided schema.
`

const TraitPrompt = `
# Task Context
You are a helpful assistant that extracts personal traits of the user from a piece of text written by or about them. Traits describe the user, not third parties.

# Detailed Task Description & Rules
- A trait is one of:
  * skill: something the user can do or is good at
  * interest: a topic or activity the user engages with or is curious about
  * preference: a choice the user favors within a category (report the category, e.g. "food", "communication", "music")
  * dislike: something the user avoids or dislikes
  * attribute: any other free-form fact about the user (job, location, family)
- For each trait report:
  * type, name (short noun phrase, lowercase), category (preferences only)
  * confidence: how certain you are the trait belongs to the user (0.0-1.0)
  * evidence: the fragment of the text that supports the trait
- Only report traits about the user identified as "%s". Skip traits of other people.
- Prefer few high-quality traits over many speculative ones.

# Examples
Text: "I love spicy food but can't stand cilantro."
Traits: preference {category: "food", name: "spicy food", confidence: 0.9}, dislike {name: "cilantro", confidence: 0.9}

# Output Formatting
Return a JSON object with a "traits" array following the provided schema.
`

const SummaryPrompt = `
# Task Context
You are a helpful assistant that maintains a running summary of a conversation. You are given the previous summary (possibly empty) and a batch of new messages that occurred after it.

# Detailed Task Description & Rules
- Produce a single updated summary that covers both the previous summary and the new messages.
- Information from the previous summary must appear BEFORE information from the new messages. Downstream consumers rely on the summary being ordered oldest to newest.
- Compress aggressively but never drop named people, places, decisions, commitments, or stated preferences.
- Write plain prose, no markdown, no bullet points.

# Background Data
Previous summary:
%s

New messages (oldest first):
%s

# Immediate Task Description or Request
Return only the updated summary text.
`
