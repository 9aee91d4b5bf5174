package graph

import (
	"strings"

	"github.com/MrWong99/threadloom/pkg/provider/llm"
)

// systemInstruction tells the model what to extract and embeds the response
// schema so the contract enforced by parseResponse is the one the model saw.
const systemInstruction = `You analyze live conversation transcripts and maintain a topic graph for them.

From the new transcript text, extract the topical units ("nodes") that were discussed. Reuse the exact node_name of an existing graph node when the transcript continues that topic; give a new topic a short descriptive name. For every node provide a one-or-two sentence summary and a short verbatim source_excerpt from the transcript. Link nodes in time through predecessor and successor (node names) and in meaning through edge_relations. When the transcript clearly attributes a topic to one speaker, set speaker_id to that speaker's label; otherwise use null. Mark decisions and commitments with is_bookmark and concrete progress with is_contextual_progress.

Respond with a single JSON object and nothing else. The response must validate against this JSON Schema:

` + responseSchemaJSON

// correctiveInstruction is the one retry sent after an unparseable reply.
const correctiveInstruction = "Your previous reply was not valid JSON for the required schema. Return only the JSON object, with no surrounding text and no markdown fences."

// defaultPromptTokenBudget bounds the assembled prompt, graph summary
// included. Small enough to leave the model room for its reply in common
// context windows.
const defaultPromptTokenBudget = 8000

// assemblePrompt builds the request content for one coalesced chunk. The
// graph summary is trimmed oldest-first until the whole prompt fits the
// token budget; the chunk text itself is never trimmed. count failures end
// trimming early rather than failing the request.
func assemblePrompt(summary []string, chunkText string, budget int, count func([]llm.Message) (int, error)) (system string, user llm.Message) {
	for {
		user = llm.Message{Role: "user", Content: renderUser(summary, chunkText)}
		if len(summary) == 0 {
			return systemInstruction, user
		}
		n, err := count([]llm.Message{
			{Role: "system", Content: systemInstruction},
			user,
		})
		if err != nil || n <= budget {
			return systemInstruction, user
		}
		summary = summary[1:]
	}
}

func renderUser(summary []string, chunkText string) string {
	var sb strings.Builder
	if len(summary) > 0 {
		sb.WriteString("## Current graph\n")
		for _, line := range summary {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("## New transcript\n")
	sb.WriteString(chunkText)
	return sb.String()
}
