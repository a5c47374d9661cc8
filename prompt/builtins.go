package prompt

import "github.com/PipeOpsHQ/airgen-go/types"

func RegisterBuiltins(r *Registry) {
	_ = r.Register(Template{
		ID:          "product-desc",
		Name:        "Artistic Cataloguer",
		Mode:        types.ModeAnalyzeImage,
		Description: "Evocative, research-backed art descriptions.",
		Prompt: `Research the item in the image and cross-reference with "{Description}". Write an enriched description that grounds the object, adds cultural gravity, and leaves interpretive space. Follow the S1-S2-S3 formula. Use two paragraphs if the object warrants a separate emotional reading, otherwise use one paragraph of 3-5 sentences.`,
	})
	_ = r.Register(Template{
		ID:          "visual-audit",
		Name:        "Curatorial Auditor",
		Mode:        types.ModeAnalyzeImage,
		Description: "Fact-checked visual status report.",
		Prompt: `Research the historical standards for this object. Evaluate the provided image against existing notes: "{Description}". Describe the condition and presence of the piece in 3-5 sentences. If significant wear or unique patina is found, use a second paragraph to suggest the life story of the object revealed through its wear.`,
	})
	_ = r.Register(Template{
		ID:          "data-enrichment",
		Name:        "Context Enricher",
		Mode:        types.ModeGenerateContent,
		Description: "Deep context and heritage synthesis.",
		Prompt: `Conduct factual research on "{Title}" and its era. Combine your findings with "{Description}". Craft a summary that recalls a specific cultural moment. Ensure a sophisticated tone that avoids clichés. One paragraph for simple provenance, two paragraphs if the history of ownership and style both require focus.`,
	})
}
