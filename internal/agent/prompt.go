package agent

import (
	"strings"
	"text/template"
)

// PromptData fills the system prompt template.
type PromptData struct {
	Companies []string
	Brands    []string
}

var systemPromptTmpl = template.Must(template.New("system").Funcs(template.FuncMap{
	"list": func(items []string) string {
		if len(items) == 0 {
			return "None"
		}
		return strings.Join(items, ", ")
	},
}).Parse(`You are a product pricing research assistant with access to a SQL quotes database and web search.

Your task:
- Answer questions about equipment and product prices.
- Query the database only when the user asks for specific data from it.
- Search the web only for current prices or information the database cannot hold.
- Always answer in natural language.

Database:
- Table: quotesresponses
- Columns: QID, CompanyName, Price (in dollar $), EQBrand, EQModel
- Sample companies: {{list .Companies}}
- Sample brands: {{list .Brands}}

Guidelines:
- Greet and answer general questions directly without tools.
- Use LOWER() for string comparisons in SQL.
- When quoting prices, keep the currency symbol next to the amount.
- When citing web results, include the full URL.
- Say "Source: database", "Source: web" or "Source: database + web" on the last line.
- Keep answers concise.`))

// SystemPrompt renders the system prompt for the given catalogue samples.
func SystemPrompt(d PromptData) string {
	var b strings.Builder
	if err := systemPromptTmpl.Execute(&b, d); err != nil {
		panic(err)
	}
	return b.String()
}
