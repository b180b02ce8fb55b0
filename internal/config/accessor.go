package config

// Sanitize returns a copy of the config with sensitive values masked, for
// display by the config command.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Gemini.Flags = append([]string(nil), cfg.Gemini.Flags...)
	c.Prompt.HeaderAllowlist = append([]string(nil), cfg.Prompt.HeaderAllowlist...)
	if c.Gemini.APIKey != "" {
		c.Gemini.APIKey = maskString(c.Gemini.APIKey)
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
