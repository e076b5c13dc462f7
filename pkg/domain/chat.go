package domain

// Message is one chat turn sent to a provider
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a tool offered to the provider
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ChatRequest is a provider-agnostic chat call
type ChatRequest struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []Tool
}

// Citation references a source used by the provider
type Citation struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ChatResponse is the provider's reply
type ChatResponse struct {
	Content   string
	Usage     Usage
	Citations []Citation
}
