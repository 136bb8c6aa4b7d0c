package model

// ================ Config ================
type ConversationConfig struct {
	TTL     string `envconfig:"CONVERSATION_TTL" default:"15m"`
	History struct {
		MaxTurns int `envconfig:"CONVERSATION_HISTORY_MAX_TURNS" default:"20"`
	}
}

type RouterModelConfig struct {
	Model       string  `envconfig:"ROUTER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"ROUTER_MAX_TOKENS" default:"1000"`
	Temperature float32 `envconfig:"ROUTER_TEMPERATURE" default:"0.1"`
}

type ResponderModelConfig struct {
	Model       string  `envconfig:"RESPONDER_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"RESPONDER_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"RESPONDER_TEMPERATURE" default:"0.4"`
}

type PromptConfig struct {
	BusinessType string `envconfig:"PROMPT_BUSINESS_TYPE" default:"real estate agency"`
	BusinessName string `envconfig:"PROMPT_BUSINESS_NAME" default:"PubX Realty"`
	Persona      string `envconfig:"PROMPT_PERSONA" default:"professional and friendly real estate assistant"`
}

type ManifestConfig struct {
	RegistryURL string `envconfig:"TOOL_REGISTRY_URL" required:"true"`
	TTL         string `envconfig:"TOOL_MANIFEST_TTL" default:"600s"`
}

type DispatchConfig struct {
	ReadDeadline  string `envconfig:"DISPATCH_READ_DEADLINE" default:"10s"`
	WriteDeadline string `envconfig:"DISPATCH_WRITE_DEADLINE" default:"30s"`
	MaxRetries    int    `envconfig:"DISPATCH_MAX_RETRIES" default:"2"`
	RetryBackoff  string `envconfig:"DISPATCH_RETRY_BACKOFF" default:"200ms"`
}

type TurnConfig struct {
	MaxToolCalls int `envconfig:"TURN_MAX_TOOL_CALLS" default:"3"`
}

type ScoringConfig struct {
	Interval  string `envconfig:"SCORING_INTERVAL" default:"5m"`
	Threshold int    `envconfig:"SCORING_THRESHOLD" default:"70"`
}

type ServerConfig struct {
	Addr string `envconfig:"SERVER_ADDR" default:":8080"`
}
