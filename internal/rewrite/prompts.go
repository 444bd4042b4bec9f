package rewrite

import (
	"fmt"

	"github.com/hpungsan/recast/internal/scrape"
	"github.com/hpungsan/recast/internal/upstream"
)

const rewriteSystemPrompt = `You rewrite encyclopedia articles into neutral, carefully sourced prose.

Rules:
- Keep every verifiable fact; drop loaded or partisan wording.
- Correct statements that are false or misleading and say what changed.
- Add context a reader needs to interpret contested claims.
- Where the article repeats a narrative without evidence, present the credible alternatives.
- Write in markdown with the article's original section structure.

Respond with exactly one JSON object, the article field first:
{
  "rewritten_article": "the full rewritten article in markdown",
  "insights": {
    "biases_removed": ["each biased phrasing you removed"],
    "context_added": ["each piece of context you added"],
    "corrections": ["each factual correction"],
    "narratives_challenged": ["each narrative you questioned"]
  }
}
Use an empty list for a category with nothing to report.`

const funFactsSystemPrompt = `You pick surprising, little-known facts from an article.

Return exactly one JSON object: {"fun_facts": ["...", "..."]} with 10 facts.
Each fact is one or two sentences, accurate to the supplied text, and covers a different aspect of the topic.
Output nothing outside the JSON object.`

const (
	funFactsTemperature = 0.7
	funFactsMaxTokens   = 2000
	funFactsCount       = 10
)

func rewriteRequest(model string, doc *scrape.Document, maxChars int) upstream.Request {
	user := "Rewrite this article:\n\n" + scrape.Truncate(doc.Text, maxChars)
	if doc.Language != "" {
		user = fmt.Sprintf("The article is written in %s; keep the rewrite in %s.\n\n%s", doc.Language, doc.Language, user)
	}
	return upstream.Request{
		Model: model,
		Messages: []upstream.Message{
			{Role: "system", Content: rewriteSystemPrompt},
			{Role: "user", Content: user},
		},
		JSONObject: true,
	}
}

func funFactsRequest(model string, doc *scrape.Document, maxChars int) upstream.Request {
	temp := funFactsTemperature
	return upstream.Request{
		Model: model,
		Messages: []upstream.Message{
			{Role: "system", Content: funFactsSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Give %d fun facts about this topic:\n\n%s", funFactsCount, scrape.Truncate(doc.Text, maxChars))},
		},
		Temperature: &temp,
		MaxTokens:   funFactsMaxTokens,
		JSONObject:  true,
	}
}
