package llm

import "fmt"

func summarySystemPrompt(maxSentences int) string {
	return fmt.Sprintf(`You summarize preprint abstracts for clinicians and researchers.

Write at most %d sentences of plain prose. State the question, the design, and the main finding with its effect size when one is given.
Do not add a title, a label, bullet points or markdown. Do not mention information that is not in the abstract.`, maxSentences)
}

func keywordsSystemPrompt(maxKeywords int) string {
	return fmt.Sprintf(`Extract the most useful search keywords from the given preprint abstract.

Output ONLY valid JSON of the form {"keywords": ["keyword", ...]} with at most %d entries.
Rules:
- Keywords are lowercase, 1-4 words each, most important first.
- Prefer diseases, interventions, populations, methods and outcomes named in the text.
- Do not invent terms that are not in the text.
- No preamble, no explanation and no text outside the JSON object.`, maxKeywords)
}

const critiqueSystemPrompt = `You are a careful peer reviewer. Critique the methodology of the preprint described by the given abstract.

In one short paragraph, point out the most important limitations: study design, sample size, confounding, missing controls, and whether the conclusions follow from the reported results.
Be specific to the abstract. Do not repeat the abstract and do not use markdown.`
